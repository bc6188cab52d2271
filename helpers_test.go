package main

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestRedis starts an in-memory Redis that is torn down with the test.
func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return mr, rdb
}

// testConn builds a connection without a socket; frames queued to it can be
// read from its send channel.
func testConn(reg *Registry, sid, room string) *Conn {
	return NewConn(reg, nil, sid, room, discardLogger())
}

// recvFrame waits for one queued frame on c.
func recvFrame(t *testing.T, c *Conn) []byte {
	t.Helper()
	select {
	case msg := <-c.send:
		return msg
	case <-time.After(time.Second):
		require.FailNow(t, "no frame received", "conn %d sid %s", c.id, c.sid)
		return nil
	}
}

// requireNoFrame asserts nothing is queued on c within a short window.
func requireNoFrame(t *testing.T, c *Conn) {
	t.Helper()
	select {
	case msg := <-c.send:
		require.FailNow(t, "unexpected frame", "conn %d sid %s got %s", c.id, c.sid, msg)
	case <-time.After(50 * time.Millisecond):
	}
}
