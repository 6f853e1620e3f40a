package server

import (
	"bufio"
	"strconv"
	"time"

	"github.com/kvnode/redisd/internal/resp"
	"github.com/kvnode/redisd/internal/store"
)

func cmdRPush(c *conn, w *bufio.Writer, args [][]byte) error {
	if len(args) < 3 {
		return writeArityError(w, "rpush")
	}
	n := c.srv.Stores.Lists.RPush(string(args[1]), args[2:]...)
	pumpListWaiters(c, string(args[1]))
	return resp.WriteInteger(w, int64(n))
}

func cmdLPush(c *conn, w *bufio.Writer, args [][]byte) error {
	if len(args) < 3 {
		return writeArityError(w, "lpush")
	}
	n := c.srv.Stores.Lists.LPush(string(args[1]), args[2:]...)
	pumpListWaiters(c, string(args[1]))
	return resp.WriteInteger(w, int64(n))
}

// pumpListWaiters delivers the just-pushed elements to any BLPOP waiters
// queued on key, one pop per waiter, until either side runs dry.
func pumpListWaiters(c *conn, key string) {
	for {
		w, elem, ok := c.srv.Stores.Lists.PopForWaiter(key)
		if !ok {
			return
		}
		select {
		case w.Ch <- elem:
		default:
		}
	}
}

func cmdLPop(c *conn, w *bufio.Writer, args [][]byte) error {
	if len(args) != 2 && len(args) != 3 {
		return writeArityError(w, "lpop")
	}
	if len(args) == 2 {
		out := c.srv.Stores.Lists.LPop(string(args[1]), 1)
		if len(out) == 0 {
			return resp.WriteNullBulk(w)
		}
		return resp.WriteBulk(w, out[0])
	}
	count, err := strconv.Atoi(string(args[2]))
	if err != nil || count < 0 {
		return resp.WriteError(w, "ERR value is out of range, must be positive")
	}
	out := c.srv.Stores.Lists.LPop(string(args[1]), count)
	return resp.WriteBulkArray(w, out)
}

func cmdLRange(c *conn, w *bufio.Writer, args [][]byte) error {
	if len(args) != 4 {
		return writeArityError(w, "lrange")
	}
	start, err := strconv.Atoi(string(args[2]))
	if err != nil {
		return resp.WriteError(w, "ERR value is not an integer or out of range")
	}
	end, err := strconv.Atoi(string(args[3]))
	if err != nil {
		return resp.WriteError(w, "ERR value is not an integer or out of range")
	}
	out := c.srv.Stores.Lists.LRange(string(args[1]), start, end)
	return resp.WriteBulkArray(w, out)
}

func cmdLLen(c *conn, w *bufio.Writer, args [][]byte) error {
	if len(args) != 2 {
		return writeArityError(w, "llen")
	}
	return resp.WriteInteger(w, int64(c.srv.Stores.Lists.LLen(string(args[1]))))
}

// cmdBLPop implements BLPOP key timeout. On success it propagates a
// translated LPOP key for the single element it delivers, rather than
// the original BLPOP command: a replica replaying BLPOP verbatim would
// itself block, which is never the intended effect of propagation.
func cmdBLPop(c *conn, w *bufio.Writer, args [][]byte) error {
	if len(args) != 3 {
		return writeArityError(w, "blpop")
	}
	key := string(args[1])
	secs, err := strconv.ParseFloat(string(args[2]), 64)
	if err != nil || secs < 0 {
		return resp.WriteError(w, "ERR timeout is not a float or out of range")
	}

	waiter := &store.Waiter{ID: c.srv.waiterSeq.Add(1), Ch: make(chan []byte, 1)}
	if blocked := c.srv.Stores.Lists.BlockWaiter(key, waiter); !blocked {
		out := c.srv.Stores.Lists.LPop(key, 1)
		if len(out) == 0 {
			return resp.WriteNullArray(w)
		}
		c.propagateLPop(key)
		return writeKeyValueArray(w, key, out[0])
	}

	var timer *time.Timer
	var timeoutCh <-chan time.Time
	if secs > 0 {
		timer = time.NewTimer(time.Duration(secs * float64(time.Second)))
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case elem := <-waiter.Ch:
		c.propagateLPop(key)
		return writeKeyValueArray(w, key, elem)
	case <-timeoutCh:
		if c.srv.Stores.Lists.UnblockWaiter(key, waiter) {
			return resp.WriteNullArray(w)
		}
		// PopForWaiter already won the race; wait for its delivery.
		elem := <-waiter.Ch
		c.propagateLPop(key)
		return writeKeyValueArray(w, key, elem)
	case <-c.ctx.Done():
		c.srv.Stores.Lists.UnblockWaiter(key, waiter)
		return resp.WriteNullArray(w)
	}
}

func writeKeyValueArray(w *bufio.Writer, key string, value []byte) error {
	if err := resp.WriteArrayHeader(w, 2); err != nil {
		return err
	}
	if err := resp.WriteBulk(w, []byte(key)); err != nil {
		return err
	}
	return resp.WriteBulk(w, value)
}

// propagateLPop fans out a synthetic "LPOP key" to replicas in place of
// the BLPOP this connection actually ran, mirroring its one-element
// delivery without the blocking semantics.
func (c *conn) propagateLPop(key string) {
	if c.srv.Role() != "master" {
		return
	}
	c.srv.Registry.Propagate([][]byte{[]byte("LPOP"), []byte(key)})
}
