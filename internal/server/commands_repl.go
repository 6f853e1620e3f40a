package server

import (
	"bufio"
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/kvnode/redisd/internal/rdb"
	"github.com/kvnode/redisd/internal/replication"
	"github.com/kvnode/redisd/internal/resp"
)

// cmdInfo implements INFO, replying with only the replication section
// this server's clients actually poll for.
func cmdInfo(c *conn, w *bufio.Writer, args [][]byte) error {
	role := c.srv.Role()
	var b strings.Builder
	b.WriteString("# Replication\r\n")
	fmt.Fprintf(&b, "role:%s\r\n", role)
	fmt.Fprintf(&b, "connected_slaves:%d\r\n", c.srv.Registry.Count())
	if role == "master" {
		fmt.Fprintf(&b, "master_replid:%s\r\n", c.srv.ReplID())
		b.WriteString("master_repl_offset:0\r\n")
	}
	return resp.WriteBulk(w, []byte(b.String()))
}

// cmdReplConf replies +OK unconditionally: this server tracks no
// per-replica ACK/offset state beyond the registry itself.
func cmdReplConf(c *conn, w *bufio.Writer, args [][]byte) error {
	return resp.WriteSimpleString(w, "OK")
}

// cmdReplicaOf implements REPLICAOF NO ONE, the only runtime role
// transition this server supports; pointing at a new master after
// startup is out of scope, per spec.
func cmdReplicaOf(c *conn, w *bufio.Writer, args [][]byte) error {
	if len(args) != 3 {
		return writeArityError(w, "replicaof")
	}
	if upperBytes(args[1]) == "NO" && upperBytes(args[2]) == "ONE" {
		c.srv.ReplicaOfNoOne()
		return resp.WriteSimpleString(w, "OK")
	}
	return resp.WriteError(w, "ERR REPLICAOF to a new master is not supported at runtime")
}

// cmdPSync implements the master side of the handshake: a full resync
// reply followed by an RDB snapshot sent as a bulk string with no
// trailing CRLF, after which this connection is handed off to the
// replica registry and takes no further part in normal dispatch.
func cmdPSync(c *conn, w *bufio.Writer, args [][]byte) error {
	if err := resp.WriteSimpleString(w, "FULLRESYNC "+c.srv.ReplID()+" 0"); err != nil {
		return err
	}

	var buf bytes.Buffer
	if err := rdb.WriteStrings(&buf, c.srv.Stores.Strings.SnapshotLive()); err != nil {
		return err
	}

	w.WriteByte('$')
	w.WriteString(strconv.Itoa(buf.Len()))
	w.WriteString("\r\n")
	if _, err := w.Write(buf.Bytes()); err != nil {
		return err
	}
	if err := w.Flush(); err != nil {
		return err
	}

	c.becamePsync = true
	c.srv.Registry.Register(replication.NewSink(c.netC, w))
	return nil
}

// cmdSave implements SAVE, writing the current string store to disk
// synchronously before replying.
func cmdSave(c *conn, w *bufio.Writer, args [][]byte) error {
	if err := c.srv.Save(); err != nil {
		return resp.WriteError(w, "ERR "+err.Error())
	}
	return resp.WriteSimpleString(w, "OK")
}
