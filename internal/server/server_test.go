package server

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kvnode/redisd/internal/resp"
)

// testClient drives one end of a net.Pipe whose other end is served by
// a real conn goroutine, so these tests exercise the decode-dispatch-
// encode loop exactly as a TCP client would see it.
type testClient struct {
	netC net.Conn
	r    *bufio.Reader
	w    *bufio.Writer
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	return New(Config{Port: 0, Dir: t.TempDir(), DBFilename: "dump.rdb"}, zap.NewNop())
}

func dial(t *testing.T, srv *Server) *testClient {
	t.Helper()
	serverSide, clientSide := net.Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	id := srv.connSeq.Add(1)
	go srv.handleConnection(ctx, serverSide, id)
	t.Cleanup(func() {
		cancel()
		clientSide.Close()
	})
	return &testClient{netC: clientSide, r: bufio.NewReader(clientSide), w: bufio.NewWriter(clientSide)}
}

func (c *testClient) send(t *testing.T, args ...string) {
	t.Helper()
	raw := make([][]byte, len(args))
	for i, a := range args {
		raw[i] = []byte(a)
	}
	_, err := c.w.Write(resp.EncodeCommand(raw))
	require.NoError(t, err)
	require.NoError(t, c.w.Flush())
}

// reply is a generic decoded RESP value: string (simple/bulk), error,
// int64, []any (array), or nil (null bulk/array).
func (c *testClient) reply(t *testing.T) any {
	t.Helper()
	return readReply(t, c.r)
}

func readReply(t *testing.T, r *bufio.Reader) any {
	t.Helper()
	line, err := r.ReadString('\n')
	require.NoError(t, err)
	line = strings.TrimRight(line, "\r\n")
	require.NotEmpty(t, line)
	switch line[0] {
	case '+':
		return line[1:]
	case '-':
		return errors.New(line[1:])
	case ':':
		n, err := strconv.ParseInt(line[1:], 10, 64)
		require.NoError(t, err)
		return n
	case '$':
		n, err := strconv.Atoi(line[1:])
		require.NoError(t, err)
		if n < 0 {
			return nil
		}
		buf := make([]byte, n+2)
		_, err = io.ReadFull(r, buf)
		require.NoError(t, err)
		return string(buf[:n])
	case '*':
		n, err := strconv.Atoi(line[1:])
		require.NoError(t, err)
		if n < 0 {
			return nil
		}
		arr := make([]any, n)
		for i := range arr {
			arr[i] = readReply(t, r)
		}
		return arr
	default:
		t.Fatalf("unexpected reply prefix %q", line)
		return nil
	}
}

// S1 - SET/GET with PX, expiry honored.
func TestScenarioSetGetExpiry(t *testing.T) {
	srv := newTestServer(t)
	c := dial(t, srv)

	c.send(t, "SET", "foo", "bar", "PX", "100")
	require.Equal(t, "OK", c.reply(t))

	c.send(t, "GET", "foo")
	require.Equal(t, "bar", c.reply(t))

	time.Sleep(200 * time.Millisecond)
	c.send(t, "GET", "foo")
	require.Nil(t, c.reply(t))
}

// S2 - LPUSH order preservation.
func TestScenarioListOrderPreservation(t *testing.T) {
	srv := newTestServer(t)
	c := dial(t, srv)

	c.send(t, "RPUSH", "L", "a", "b", "c")
	require.Equal(t, int64(3), c.reply(t))

	c.send(t, "LPUSH", "L", "x", "y")
	require.Equal(t, int64(5), c.reply(t))

	c.send(t, "LRANGE", "L", "0", "-1")
	got := c.reply(t).([]any)
	want := []string{"y", "x", "a", "b", "c"}
	require.Len(t, got, len(want))
	for i, w := range want {
		require.Equal(t, w, got[i])
	}
}

// LPOP with an explicit count replies with an array rather than a single
// bulk string, draining up to count elements.
func TestLpopWithCount(t *testing.T) {
	srv := newTestServer(t)
	c := dial(t, srv)

	c.send(t, "RPUSH", "L", "a", "b", "c")
	require.Equal(t, int64(3), c.reply(t))

	c.send(t, "LPOP", "L", "2")
	got := c.reply(t).([]any)
	require.Equal(t, []any{"a", "b"}, got)

	c.send(t, "LPOP", "L")
	require.Equal(t, "c", c.reply(t))

	c.send(t, "LPOP", "L", "5")
	require.Empty(t, c.reply(t).([]any))
}

// S3 - BLPOP delivered by a later RPUSH from another connection.
func TestScenarioBlpopDeliveredByRpush(t *testing.T) {
	srv := newTestServer(t)
	c1 := dial(t, srv)
	c2 := dial(t, srv)

	c1.send(t, "BLPOP", "L", "5")
	blocked := make(chan any, 1)
	go func() { blocked <- c1.reply(t) }()

	// Give c1 time to register as a waiter before the push races it.
	time.Sleep(50 * time.Millisecond)

	c2.send(t, "RPUSH", "L", "hello")
	require.Equal(t, int64(1), c2.reply(t))

	select {
	case got := <-blocked:
		arr := got.([]any)
		require.Equal(t, []any{"L", "hello"}, arr)
	case <-time.After(2 * time.Second):
		t.Fatal("BLPOP was never delivered")
	}

	c2.send(t, "LLEN", "L")
	require.Equal(t, int64(0), c2.reply(t))

	c2.send(t, "TYPE", "L")
	require.Equal(t, "none", c2.reply(t))
}

// S4 - XADD auto-seq monotonicity and validation errors.
func TestScenarioXaddMonotonicity(t *testing.T) {
	srv := newTestServer(t)
	c := dial(t, srv)

	c.send(t, "XADD", "s", "1526919030474-0", "t", "36")
	require.Equal(t, "1526919030474-0", c.reply(t))

	c.send(t, "XADD", "s", "1526919030474-*", "t", "37")
	require.Equal(t, "1526919030474-1", c.reply(t))

	c.send(t, "XADD", "s", "1526919030474-0", "t", "38")
	err, ok := c.reply(t).(error)
	require.True(t, ok)
	require.Contains(t, err.Error(), "equal or smaller than the target stream top item")

	c.send(t, "XADD", "s", "0-0", "t", "1")
	err, ok = c.reply(t).(error)
	require.True(t, ok)
	require.Contains(t, err.Error(), "must be greater than 0-0")
}

// S5 - XREAD BLOCK woken by an XADD from another connection.
func TestScenarioXreadBlockWokenByXadd(t *testing.T) {
	srv := newTestServer(t)
	c1 := dial(t, srv)
	c2 := dial(t, srv)

	c2.send(t, "XADD", "s", "1-0", "f0", "v0")
	require.Equal(t, "1-0", c2.reply(t))

	c1.send(t, "XREAD", "BLOCK", "5000", "STREAMS", "s", "$")
	blocked := make(chan any, 1)
	go func() { blocked <- c1.reply(t) }()

	time.Sleep(50 * time.Millisecond)

	c2.send(t, "XADD", "s", "2-0", "f", "v")
	require.Equal(t, "2-0", c2.reply(t))

	select {
	case got := <-blocked:
		arr := got.([]any)
		require.Len(t, arr, 1)
		streamReply := arr[0].([]any)
		require.Equal(t, "s", streamReply[0])
		entries := streamReply[1].([]any)
		require.Len(t, entries, 1)
		entry := entries[0].([]any)
		require.Equal(t, "2-0", entry[0])
		require.Equal(t, []any{"f", "v"}, entry[1])
	case <-time.After(2 * time.Second):
		t.Fatal("XREAD BLOCK was never woken")
	}
}

// S6 - MULTI/EXEC batches two writes, replying with their individual
// encoded replies in order.
func TestScenarioMultiExec(t *testing.T) {
	srv := newTestServer(t)
	c := dial(t, srv)

	c.send(t, "MULTI")
	require.Equal(t, "OK", c.reply(t))

	c.send(t, "SET", "k1", "v1")
	require.Equal(t, "QUEUED", c.reply(t))

	c.send(t, "RPUSH", "L1", "item")
	require.Equal(t, "QUEUED", c.reply(t))

	c.send(t, "EXEC")
	got := c.reply(t).([]any)
	require.Equal(t, []any{"OK", int64(1)}, got)

	c.send(t, "GET", "k1")
	require.Equal(t, "v1", c.reply(t))

	c.send(t, "LLEN", "L1")
	require.Equal(t, int64(1), c.reply(t))
}

// DISCARD and nested-MULTI / state-error paths, rounding out H's
// transitions beyond the S6 happy path.
func TestTxnStateErrors(t *testing.T) {
	srv := newTestServer(t)
	c := dial(t, srv)

	c.send(t, "EXEC")
	_, ok := c.reply(t).(error)
	require.True(t, ok, "EXEC without MULTI must error")

	c.send(t, "DISCARD")
	_, ok = c.reply(t).(error)
	require.True(t, ok, "DISCARD without MULTI must error")

	c.send(t, "MULTI")
	require.Equal(t, "OK", c.reply(t))

	c.send(t, "MULTI")
	_, ok = c.reply(t).(error)
	require.True(t, ok, "nested MULTI must error")

	c.send(t, "DISCARD")
	require.Equal(t, "OK", c.reply(t))
}
