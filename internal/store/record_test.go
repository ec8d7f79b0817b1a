package store

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMergeInstallsHigherLamport(t *testing.T) {
	dir := t.TempDir()
	rec := newRecord(dir, "S1")

	applied, err := rec.Merge(`{"id":"S1","temp":"10"}`, 5, time.Now(), 1, "10.0.0.1", 4000)
	require.NoError(t, err)
	assert.True(t, applied)

	assert.Equal(t, `{"id":"S1","temp":"10"}`, rec.Body())
	assert.Equal(t, int64(5), rec.Lamport())
	assert.Equal(t, uint64(1), rec.Seq())

	host, port := rec.Origin()
	assert.Equal(t, "10.0.0.1", host)
	assert.Equal(t, 4000, port)
}

func TestMergeRejectsOlderOrEqualLamport(t *testing.T) {
	dir := t.TempDir()
	rec := newRecord(dir, "S1")

	_, err := rec.Merge(`{"id":"S1","v":"a"}`, 5, time.Now(), 1, "h", 1)
	require.NoError(t, err)

	// Equal lamport is a no-op.
	applied, err := rec.Merge(`{"id":"S1","v":"b"}`, 5, time.Now(), 2, "h", 2)
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, `{"id":"S1","v":"a"}`, rec.Body())

	// Lower lamport is a no-op even though it arrived later.
	applied, err = rec.Merge(`{"id":"S1","v":"c"}`, 3, time.Now(), 3, "h", 3)
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, `{"id":"S1","v":"a"}`, rec.Body())
	assert.Equal(t, uint64(1), rec.Seq())
}

func TestMergePersistsVerbatimBody(t *testing.T) {
	dir := t.TempDir()
	rec := newRecord(dir, "S1")

	// Deliberately odd spacing and key order: the document on disk must
	// embed these bytes untouched.
	body := `{"temp": "3",  "id":"S1"}`
	_, err := rec.Merge(body, 1, time.UnixMilli(1700000000000), 4, "10.1.1.1", 9999)
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(dir, "S1.json"))
	require.NoError(t, err)
	assert.Contains(t, string(data), body)

	// The temp file was renamed away.
	_, err = os.Stat(filepath.Join(dir, "S1-temp.json"))
	assert.True(t, os.IsNotExist(err))

	// And the whole document is valid JSON with the expected metadata.
	var doc recordDoc
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.Equal(t, int64(1), doc.Meta.Lamport)
	assert.Equal(t, int64(1700000000000), doc.Meta.LastUpdated)
	assert.Equal(t, uint64(4), doc.Meta.UpdateCount)
	assert.Equal(t, "10.1.1.1", doc.Meta.Host)
	assert.Equal(t, 9999, doc.Meta.Port)
}

func TestMergeDiskFailureLeavesMemoryUntouched(t *testing.T) {
	dir := t.TempDir()
	rec := newRecord(dir, "S1")

	_, err := rec.Merge(`{"id":"S1","v":"a"}`, 1, time.Now(), 1, "h", 1)
	require.NoError(t, err)

	// Remove the data directory out from under the record so the temp
	// write fails.
	require.NoError(t, os.RemoveAll(dir))

	applied, err := rec.Merge(`{"id":"S1","v":"b"}`, 2, time.Now(), 2, "h", 2)
	assert.Error(t, err)
	assert.False(t, applied)
	assert.Equal(t, `{"id":"S1","v":"a"}`, rec.Body())
	assert.Equal(t, int64(1), rec.Lamport())
}

func TestLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()

	orig := newRecord(dir, "S1")
	_, err := orig.Merge(`{"id":"S1","humidity":"55"}`, 7, time.Now(), 12, "192.168.0.9", 5151)
	require.NoError(t, err)

	loaded := newRecord(dir, "S1")
	require.NoError(t, loaded.Load())

	assert.Equal(t, orig.Body(), loaded.Body())
	assert.Equal(t, int64(7), loaded.Lamport())
	assert.Equal(t, uint64(12), loaded.Seq())
	assert.Equal(t, orig.LastUpdated(), loaded.LastUpdated())

	host, port := loaded.Origin()
	assert.Equal(t, "192.168.0.9", host)
	assert.Equal(t, 5151, port)
}

func TestLoadMissingFileLeavesRecordBlank(t *testing.T) {
	rec := newRecord(t.TempDir(), "GHOST")
	assert.Error(t, rec.Load())
	assert.Empty(t, rec.Body())
	assert.Equal(t, int64(-1), rec.Lamport())
}

func TestLoadCorruptFileLeavesRecordBlank(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "BAD.json"), []byte("{nope"), 0644))

	rec := newRecord(dir, "BAD")
	assert.Error(t, rec.Load())
	assert.Empty(t, rec.Body())
}

func TestExpiryPredicate(t *testing.T) {
	policy := ExpiryPolicy{MaxAge: 30 * time.Second, MaxLag: 20}
	dir := t.TempDir()

	rec := newRecord(dir, "S1")
	now := time.Now()
	_, err := rec.Merge(`{"id":"S1"}`, 1, now, 100, "h", 1)
	require.NoError(t, err)

	nowMs := now.UnixMilli()

	// Fresh on both axes.
	assert.False(t, rec.Expired(nowMs, 100, policy))

	// Just inside both thresholds.
	assert.False(t, rec.Expired(nowMs+30_000, 120, policy))

	// Too old.
	assert.True(t, rec.Expired(nowMs+30_001, 100, policy))

	// Too stale in traffic: more than 20 admitted writes since ours.
	assert.True(t, rec.Expired(nowMs, 121, policy))
}

func TestBlankRecordIsBornExpired(t *testing.T) {
	rec := newRecord(t.TempDir(), "S1")
	assert.True(t, rec.Expired(time.Now().UnixMilli(), 0, DefaultExpiryPolicy()))

	_, live := rec.LiveBody(time.Now().UnixMilli(), 0, DefaultExpiryPolicy())
	assert.False(t, live)
}

func TestLiveBody(t *testing.T) {
	policy := DefaultExpiryPolicy()
	rec := newRecord(t.TempDir(), "S1")

	now := time.Now()
	_, err := rec.Merge(`{"id":"S1","v":"x"}`, 1, now, 1, "h", 1)
	require.NoError(t, err)

	body, live := rec.LiveBody(now.UnixMilli(), 1, policy)
	assert.True(t, live)
	assert.Equal(t, `{"id":"S1","v":"x"}`, body)

	_, live = rec.LiveBody(now.Add(time.Minute).UnixMilli(), 1, policy)
	assert.False(t, live)
}
