package server

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"net"
	"strings"

	"go.uber.org/zap"

	"github.com/kvnode/redisd/internal/resp"
)

// writeCommands names every command that is propagated to registered
// replicas after it runs on a master, per spec.md §4.G — excluding
// BLPOP, which propagates a translated LPOP instead (handled inline by
// its own handler) rather than through this generic path. Propagation
// happens whenever the handler returns without an I/O error, including
// when its reply was an error frame.
var writeCommands = map[string]bool{
	"SET": true, "DEL": true, "RPUSH": true, "LPUSH": true,
	"LPOP": true, "XADD": true,
}

// cmdFunc executes one command, writing its complete reply to w. A
// returned error means the connection's wire is no longer trustworthy
// (I/O failure) and must be closed; ordinary command errors are written
// as RESP error frames and return nil.
type cmdFunc func(c *conn, w *bufio.Writer, args [][]byte) error

var commandTable map[string]cmdFunc

func init() {
	commandTable = map[string]cmdFunc{
		"PING":      cmdPing,
		"ECHO":      cmdEcho,
		"SET":       cmdSet,
		"GET":       cmdGet,
		"INCR":      cmdIncr,
		"DEL":       cmdDel,
		"TYPE":      cmdType,
		"KEYS":      cmdKeys,
		"CONFIG":    cmdConfig,
		"RPUSH":     cmdRPush,
		"LPUSH":     cmdLPush,
		"LPOP":      cmdLPop,
		"LRANGE":    cmdLRange,
		"LLEN":      cmdLLen,
		"BLPOP":     cmdBLPop,
		"XADD":      cmdXAdd,
		"XRANGE":    cmdXRange,
		"XREAD":     cmdXRead,
		"MULTI":     cmdMulti,
		"EXEC":      cmdExec,
		"DISCARD":   cmdDiscard,
		"INFO":      cmdInfo,
		"REPLCONF":  cmdReplConf,
		"REPLICAOF": cmdReplicaOf,
		"PSYNC":     cmdPSync,
		"SAVE":      cmdSave,
	}
}

// conn is one accepted client, replica, or master connection and the
// per-connection loop that decodes, dispatches and encodes (component
// G), embedding the transaction buffer (component H).
type conn struct {
	id   int64
	netC net.Conn
	r    *bufio.Reader
	w    *bufio.Writer
	srv  *Server
	ctx  context.Context
	log  *zap.Logger

	txn txnState

	// becamePsync is set once this connection has completed PSYNC and
	// handed its writer off to the replication registry; from then on
	// it no longer takes part in normal command dispatch.
	becamePsync bool
}

func (s *Server) handleConnection(ctx context.Context, netC net.Conn, id int64) {
	defer netC.Close()
	stop := context.AfterFunc(ctx, func() { netC.Close() })
	defer stop()

	c := &conn{
		id:   id,
		netC: netC,
		r:    bufio.NewReader(netC),
		w:    bufio.NewWriter(netC),
		srv:  s,
		ctx:  ctx,
		log:  s.log,
	}

	for {
		args, err := resp.DecodeCommand(c.r)
		if err != nil {
			if err != io.EOF && s.log != nil {
				s.log.Debug("connection closed", zap.Int64("conn", id), zap.Error(err))
			}
			return
		}
		if len(args) == 0 {
			continue
		}

		name := strings.ToUpper(string(args[0]))

		if c.txn.inTxn && name != "MULTI" && name != "EXEC" && name != "DISCARD" {
			c.txn.enqueue(args)
			resp.WriteSimpleString(c.w, "QUEUED")
			if err := c.w.Flush(); err != nil {
				return
			}
			continue
		}

		if err := c.execute(c.w, name, args); err != nil {
			return
		}
		if err := c.w.Flush(); err != nil {
			return
		}

		if c.becamePsync {
			// This socket is now a replication sink, owned by the
			// registry's writer. Block on reads only, to notice the
			// peer going away; no further commands are expected from
			// a replica once it has completed the handshake.
			io.Copy(io.Discard, c.r)
			return
		}
	}
}

// execute looks up name in the dispatch table, runs it, and — for
// master connections executing a write command outside replica-apply
// context — propagates the raw command to every registered replica.
func (c *conn) execute(w *bufio.Writer, name string, args [][]byte) error {
	fn, ok := commandTable[name]
	if !ok {
		return resp.WriteError(w, "ERR unknown command '"+string(args[0])+"'")
	}
	if err := fn(c, w, args); err != nil {
		return err
	}
	if writeCommands[name] && c.srv.Role() == "master" {
		c.srv.Registry.Propagate(args)
	}
	return nil
}

// execForExec runs one queued command into its own buffer, returning
// the raw encoded reply bytes for EXEC's composite array.
func (c *conn) execForExec(name string, args [][]byte) []byte {
	var buf bytes.Buffer
	bw := bufio.NewWriter(&buf)
	_ = c.execute(bw, name, args)
	bw.Flush()
	return buf.Bytes()
}

func writeArityError(w *bufio.Writer, cmd string) error {
	return resp.WriteError(w, "ERR wrong number of arguments for '"+strings.ToLower(cmd)+"' command")
}

// newReplicaApplyConn builds a synthetic connection used only to run
// commands streamed from a master through the normal dispatch table,
// discarding whatever reply they would have produced.
func newReplicaApplyConn(s *Server) *conn {
	return &conn{srv: s, w: bufio.NewWriter(io.Discard), log: s.log}
}
