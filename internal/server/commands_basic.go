package server

import (
	"bufio"
	"sort"
	"time"

	"github.com/kvnode/redisd/internal/resp"
)

func cmdPing(c *conn, w *bufio.Writer, args [][]byte) error {
	return resp.WriteSimpleString(w, "PONG")
}

func cmdEcho(c *conn, w *bufio.Writer, args [][]byte) error {
	if len(args) != 2 {
		return writeArityError(w, "echo")
	}
	return resp.WriteBulk(w, args[1])
}

func cmdSet(c *conn, w *bufio.Writer, args [][]byte) error {
	if len(args) != 3 && len(args) != 5 {
		return writeArityError(w, "set")
	}
	var expireAt time.Time
	if len(args) == 5 {
		if upperBytes(args[3]) != "PX" {
			return resp.WriteError(w, "ERR syntax error")
		}
		ms, ok := parsePositiveInt(args[4])
		if !ok || ms <= 0 {
			return resp.WriteError(w, "ERR invalid expire time in set")
		}
		expireAt = time.Now().Add(time.Duration(ms) * time.Millisecond)
	}
	c.srv.Stores.Strings.Set(string(args[1]), args[2], expireAt)
	return resp.WriteSimpleString(w, "OK")
}

func cmdGet(c *conn, w *bufio.Writer, args [][]byte) error {
	if len(args) != 2 {
		return writeArityError(w, "get")
	}
	v, ok := c.srv.Stores.Strings.Get(string(args[1]))
	if !ok {
		return resp.WriteNullBulk(w)
	}
	return resp.WriteBulk(w, v)
}

func cmdIncr(c *conn, w *bufio.Writer, args [][]byte) error {
	if len(args) != 2 {
		return writeArityError(w, "incr")
	}
	n, err := c.srv.Stores.Strings.Incr(string(args[1]), 1)
	if err != nil {
		return resp.WriteError(w, "ERR "+err.Error())
	}
	return resp.WriteInteger(w, n)
}

func cmdDel(c *conn, w *bufio.Writer, args [][]byte) error {
	if len(args) < 2 {
		return writeArityError(w, "del")
	}
	var n int64
	for _, k := range args[1:] {
		key := string(k)
		switch {
		case c.srv.Stores.Strings.Remove(key):
			n++
		case c.srv.Stores.Lists.Remove(key):
			n++
		case c.srv.Stores.Streams.Remove(key):
			n++
		}
	}
	return resp.WriteInteger(w, n)
}

func cmdType(c *conn, w *bufio.Writer, args [][]byte) error {
	if len(args) != 2 {
		return writeArityError(w, "type")
	}
	key := string(args[1])
	switch {
	case c.srv.Stores.Strings.Exists(key):
		return resp.WriteSimpleString(w, "string")
	case c.srv.Stores.Lists.Exists(key):
		return resp.WriteSimpleString(w, "list")
	case c.srv.Stores.Streams.Exists(key):
		return resp.WriteSimpleString(w, "stream")
	default:
		return resp.WriteSimpleString(w, "none")
	}
}

func cmdKeys(c *conn, w *bufio.Writer, args [][]byte) error {
	if len(args) != 2 || string(args[1]) != "*" {
		return resp.WriteError(w, "ERR only KEYS * is supported")
	}
	keys := c.srv.Stores.Strings.Keys()
	sort.Strings(keys)
	elems := make([][]byte, len(keys))
	for i, k := range keys {
		elems[i] = []byte(k)
	}
	return resp.WriteBulkArray(w, elems)
}

func cmdConfig(c *conn, w *bufio.Writer, args [][]byte) error {
	if len(args) != 3 || upperBytes(args[1]) != "GET" {
		return resp.WriteError(w, "ERR unsupported CONFIG subcommand")
	}
	name := string(args[2])
	var value string
	switch name {
	case "dir":
		value = c.srv.cfg.Dir
	case "dbfilename":
		value = c.srv.cfg.DBFilename
	}
	if err := resp.WriteArrayHeader(w, 2); err != nil {
		return err
	}
	if err := resp.WriteBulk(w, []byte(name)); err != nil {
		return err
	}
	return resp.WriteBulk(w, []byte(value))
}

func upperBytes(b []byte) string {
	out := make([]byte, len(b))
	for i, c := range b {
		if c >= 'a' && c <= 'z' {
			c -= 'a' - 'A'
		}
		out[i] = c
	}
	return string(out)
}

// parsePositiveInt parses a base-10 integer, rejecting non-digit input.
func parsePositiveInt(b []byte) (int64, bool) {
	if len(b) == 0 {
		return 0, false
	}
	var v int64
	for _, c := range b {
		if c < '0' || c > '9' {
			return 0, false
		}
		v = v*10 + int64(c-'0')
	}
	return v, true
}
