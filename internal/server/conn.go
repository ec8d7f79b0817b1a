package server

import (
	"net"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	log "github.com/sirupsen/logrus"

	"weather-aggregator/internal/store"
	"weather-aggregator/internal/wire"
)

// targetPattern is the only URI shape GET accepts: a single slash
// followed by at most one path segment.
var targetPattern = regexp.MustCompile(`^/[^/]*$`)

// conn serves one TCP connection for its lifetime.
//
// The only cross-request state is ownedID: the station this connection
// most recently PUT. When the connection dies, that station's record is
// removed if this connection is still its last writer.
type conn struct {
	srv *Server
	nc  net.Conn

	remoteHost string
	remotePort int
	ownedID    string

	log *log.Entry
}

func (s *Server) handleConn(nc net.Conn) {
	host, portStr, err := net.SplitHostPort(nc.RemoteAddr().String())
	if err != nil {
		// Non-TCP address; nothing sensible to scope cleanup to.
		host, portStr = nc.RemoteAddr().String(), "0"
	}
	port, _ := strconv.Atoi(portStr)

	c := &conn{
		srv:        s,
		nc:         nc,
		remoteHost: host,
		remotePort: port,
		log:        log.WithField("peer", nc.RemoteAddr().String()),
	}
	c.log.Debug("connection open")
	c.serve()
}

// serve reads frames until the peer hangs up or the socket fails, then
// runs the connection-close cleanup. Every inbound frame produces
// exactly one response frame; protocol errors never kill the loop.
func (c *conn) serve() {
	defer c.nc.Close()

	for {
		payload, err := wire.ReadFrame(c.nc)
		if err != nil {
			c.log.WithError(err).Debug("connection closed")
			break
		}

		resp := c.handle(payload)
		if err := wire.WriteFrame(c.nc, resp.Marshal()); err != nil {
			c.log.WithError(err).Debug("write response")
			break
		}
	}

	c.cleanup()
}

func (c *conn) handle(payload []byte) *wire.Response {
	req, err := wire.ParseRequest(payload)
	if err != nil {
		// The clock still advances so the 400 carries a well-defined
		// timestamp.
		return wire.NewResponse(400, c.srv.clock.TickForInternal(), "")
	}

	switch req.Method {
	case wire.MethodGet:
		return c.handleGet(req)
	case wire.MethodPut:
		return c.handlePut(req)
	case wire.MethodSync:
		return c.handleSync(req)
	default:
		return wire.NewResponse(400, c.srv.clock.TickForInternal(), "")
	}
}

// handleGet serves `GET /` (all live bodies as a JSON array) and
// `GET /<id>` (that station's body, 400 when absent or expired).
func (c *conn) handleGet(req *wire.Request) *wire.Response {
	peer, err := req.Lamport()
	if err != nil {
		return wire.NewResponse(400, c.srv.clock.TickForInternal(), "")
	}
	now := c.srv.clock.TickForRequest(peer)

	if !targetPattern.MatchString(req.Target) {
		return wire.NewResponse(400, now, "")
	}

	id := strings.TrimPrefix(req.Target, "/")
	if id == "" {
		return wire.NewResponse(200, now, c.listBodies())
	}

	rec, ok := c.srv.store.Get(id)
	if !ok {
		return wire.NewResponse(400, now, "")
	}
	body, live := rec.LiveBody(time.Now().UnixMilli(), c.srv.clock.UpdateSeq(), c.srv.cfg.Expiry)
	if !live {
		return wire.NewResponse(400, now, "")
	}
	return wire.NewResponse(200, now, body)
}

// listBodies joins every non-expired record body into a JSON array. The
// bodies are stored as verbatim JSON text, so this is pure concatenation;
// re-encoding could reorder keys that readers compare as substrings.
// Order across records is unspecified, and the set may be intermediate
// between two concurrent writes.
func (c *conn) listBodies() string {
	nowMs := time.Now().UnixMilli()
	seq := c.srv.clock.UpdateSeq()

	var b strings.Builder
	b.WriteByte('[')
	first := true
	c.srv.store.Range(func(_ string, rec *store.Record) bool {
		body, live := rec.LiveBody(nowMs, seq, c.srv.cfg.Expiry)
		if !live {
			return true
		}
		if !first {
			b.WriteByte(',')
		}
		first = false
		b.WriteString(body)
		return true
	})
	b.WriteByte(']')
	return b.String()
}

// handlePut validates and admits one station write.
//
// Response ladder: 400 for a bad Lamport-Clock header, 204 for an empty
// or non-object body, 500 for a body that starts like JSON but is not,
// 400 for valid JSON without an id, 201 when this write created the
// record, 200 otherwise.
func (c *conn) handlePut(req *wire.Request) *wire.Response {
	peer, err := req.Lamport()
	if err != nil {
		return wire.NewResponse(400, c.srv.clock.TickForInternal(), "")
	}

	body := req.Body
	if body == "" || body[0] != '{' {
		return wire.NewResponse(204, c.srv.clock.TickForRequest(peer), "")
	}

	var payload map[string]any
	if err := json.Unmarshal([]byte(body), &payload); err != nil {
		return wire.NewResponse(500, c.srv.clock.TickForRequest(peer), "")
	}

	id, _ := payload["id"].(string)
	if id == "" {
		return wire.NewResponse(400, c.srv.clock.TickForRequest(peer), "")
	}

	// Admission: one critical section assigns both the Lamport value and
	// the update sequence, so admitted writes carry totally ordered
	// (lamport, seq) pairs.
	now, seq := c.srv.clock.TickAndBumpForPut(peer)

	rec, created := c.srv.store.GetOrCreate(id)
	c.ownedID = id

	applied, err := rec.Merge(body, peer, time.Now(), seq, c.remoteHost, c.remotePort)
	if err != nil {
		// Disk trouble: in-memory state is untouched and the peer still
		// gets a response carrying the admitted clock.
		c.log.WithField("station", id).WithError(err).Error("merge failed")
	} else if !applied {
		c.log.WithFields(log.Fields{
			"station": id,
			"lamport": peer,
		}).Debug("stale write ignored")
	}

	status := 200
	if created {
		status = 201
	}
	return wire.NewResponse(status, now, "")
}

// handleSync answers a clock synchronisation probe. An unparseable peer
// value counts as zero; the clock advances either way.
func (c *conn) handleSync(req *wire.Request) *wire.Response {
	peer, err := req.Lamport()
	if err != nil {
		peer = 0
	}
	return wire.NewResponse(200, c.srv.clock.TickForRequest(peer), "")
}

// cleanup ties a station's lifetime to its last feeder: when this
// connection was the most recent writer of its owned station, the
// record and its file go away with the connection.
func (c *conn) cleanup() {
	if c.ownedID == "" {
		return
	}
	if c.srv.store.DropIfOwnedBy(c.ownedID, c.remoteHost, c.remotePort) {
		c.log.WithField("station", c.ownedID).Info("record dropped with connection")
	}
}
