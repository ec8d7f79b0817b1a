// Package client is the SDK the feeder and reader programs use to talk
// to an aggregator.
//
// A Client owns one TCP connection and one Lamport clock. Keeping the
// connection open matters for feeders: the aggregator ties a station's
// record to the liveness of the connection that last wrote it, so a
// feeder that hangs up forfeits its station.
//
// Every operation retries with doubling backoff, re-dialing on
// connection failure. Retrying a PUT is safe: writes are idempotent
// under Lamport dominance, so a duplicate delivery is a no-op.
package client

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	log "github.com/sirupsen/logrus"

	"weather-aggregator/internal/wire"
)

// ErrNotFound is returned when the aggregator answers 400 for a station
// lookup: the station is unknown or its record has expired.
var ErrNotFound = errors.New("station not found or expired")

const (
	defaultAttempts = 3
	initialBackoff  = 100 * time.Millisecond
)

// Result is one server reply.
type Result struct {
	Status  int
	Lamport int64
	Body    string
}

// Created reports whether a PUT created the station's record.
func (r *Result) Created() bool { return r.Status == 201 }

// Client talks to a single aggregator. Safe for concurrent use; requests
// are serialised on the one connection.
type Client struct {
	addr     string
	attempts int

	mu      sync.Mutex
	conn    net.Conn
	lamport int64
}

// New returns a Client for the aggregator at addr (host:port). The
// connection is dialed lazily on first use.
func New(addr string) *Client {
	return &Client{addr: addr, attempts: defaultAttempts}
}

// WithAttempts sets how many times each operation is tried before giving
// up. Minimum one.
func (c *Client) WithAttempts(n int) *Client {
	if n < 1 {
		n = 1
	}
	c.attempts = n
	return c
}

// PutWeather pushes one station payload. The body must be the verbatim
// JSON object text including an "id" field; it is transmitted and stored
// untouched.
func (c *Client) PutWeather(body string) (*Result, error) {
	return c.roundTrip(wire.MethodPut, "/weather.json", body)
}

// GetAll fetches every live station body as a JSON array.
func (c *Client) GetAll() (*Result, error) {
	res, err := c.roundTrip(wire.MethodGet, "/", "")
	if err != nil {
		return nil, err
	}
	if res.Status != 200 {
		return nil, fmt.Errorf("unexpected status %d", res.Status)
	}
	return res, nil
}

// GetStation fetches one station's body. Returns ErrNotFound when the
// station is absent or expired.
func (c *Client) GetStation(id string) (*Result, error) {
	res, err := c.roundTrip(wire.MethodGet, "/"+id, "")
	if err != nil {
		return nil, err
	}
	switch res.Status {
	case 200:
		return res, nil
	case 400:
		return nil, ErrNotFound
	default:
		return nil, fmt.Errorf("unexpected status %d", res.Status)
	}
}

// Sync exchanges Lamport values with the aggregator and returns the
// server's clock after the exchange.
func (c *Client) Sync() (int64, error) {
	res, err := c.roundTrip(wire.MethodSync, "/", "")
	if err != nil {
		return 0, err
	}
	return res.Lamport, nil
}

// Close hangs up. A feeder closing its connection lets the aggregator
// drop the station it last wrote.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

// roundTrip sends one request and reads one response, retrying with
// doubling backoff on transport failure. Each retry re-dials.
func (c *Client) roundTrip(method, target, body string) (*Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	backoff := initialBackoff
	var lastErr error

	for attempt := 0; attempt < c.attempts; attempt++ {
		if attempt > 0 {
			time.Sleep(backoff)
			backoff *= 2
		}

		res, err := c.exchange(method, target, body)
		if err == nil {
			return res, nil
		}
		lastErr = err
		c.dropConn()
		log.WithFields(log.Fields{
			"attempt": attempt + 1,
			"addr":    c.addr,
		}).WithError(err).Debug("request failed, retrying")
	}
	return nil, fmt.Errorf("%s %s after %d attempts: %w", method, target, c.attempts, lastErr)
}

// exchange performs one send/receive on the live connection. Caller
// holds c.mu.
func (c *Client) exchange(method, target, body string) (*Result, error) {
	if c.conn == nil {
		conn, err := net.Dial("tcp", c.addr)
		if err != nil {
			return nil, fmt.Errorf("dial %s: %w", c.addr, err)
		}
		c.conn = conn
	}

	// Send event: tick our clock and stamp the message.
	c.lamport++
	req := wire.NewRequest(method, target, c.lamport, body)

	if err := wire.WriteFrame(c.conn, req.Marshal()); err != nil {
		return nil, fmt.Errorf("send: %w", err)
	}
	payload, err := wire.ReadFrame(c.conn)
	if err != nil {
		return nil, fmt.Errorf("receive: %w", err)
	}

	resp, err := wire.ParseResponse(payload)
	if err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}

	// Receive event: fold the server's clock into ours.
	serverLamport, err := resp.Lamport()
	if err == nil {
		if serverLamport > c.lamport {
			c.lamport = serverLamport
		}
		c.lamport++
	}

	return &Result{Status: resp.Status, Lamport: serverLamport, Body: resp.Body}, nil
}

func (c *Client) dropConn() {
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

// Lamport returns the client's current Lamport value.
func (c *Client) Lamport() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lamport
}

// ValidatePayload checks that body is a JSON object carrying a non-empty
// string "id", returning the id. Feeders call this before the first send
// so a bad payload fails fast and locally.
func ValidatePayload(body string) (string, error) {
	trimmed := strings.TrimSpace(body)
	if trimmed == "" || trimmed[0] != '{' {
		return "", errors.New("payload must be a JSON object")
	}
	var payload map[string]any
	if err := json.Unmarshal([]byte(trimmed), &payload); err != nil {
		return "", fmt.Errorf("payload is not valid JSON: %w", err)
	}
	id, _ := payload["id"].(string)
	if id == "" {
		return "", errors.New(`payload has no "id" field`)
	}
	return id, nil
}
