package server

import (
	"bufio"

	"github.com/kvnode/redisd/internal/resp"
)

// cmdMulti starts buffering subsequent commands on this connection.
// Nesting MULTI inside an already-open transaction is an error, per
// this server's resolution of that otherwise-unspecified case.
func cmdMulti(c *conn, w *bufio.Writer, args [][]byte) error {
	if c.txn.inTxn {
		return resp.WriteError(w, "ERR MULTI calls can not be nested")
	}
	c.txn.begin()
	return resp.WriteSimpleString(w, "OK")
}

// cmdExec runs every queued command in order and replies with a single
// array of their raw encoded replies. EXEC with no open transaction is
// an error.
func cmdExec(c *conn, w *bufio.Writer, args [][]byte) error {
	if !c.txn.inTxn {
		return resp.WriteError(w, "ERR EXEC without MULTI")
	}
	queue := c.txn.queue
	c.txn.reset()

	if err := resp.WriteArrayHeader(w, len(queue)); err != nil {
		return err
	}
	for _, queued := range queue {
		name := commandName(queued)
		raw := c.execForExec(name, queued)
		if _, err := w.Write(raw); err != nil {
			return err
		}
	}
	return nil
}

// cmdDiscard abandons a queued transaction. DISCARD with no open
// transaction is an error.
func cmdDiscard(c *conn, w *bufio.Writer, args [][]byte) error {
	if !c.txn.inTxn {
		return resp.WriteError(w, "ERR DISCARD without MULTI")
	}
	c.txn.reset()
	return resp.WriteSimpleString(w, "OK")
}

func commandName(args [][]byte) string {
	return upperBytes(args[0])
}
