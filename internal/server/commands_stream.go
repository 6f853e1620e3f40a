package server

import (
	"bufio"
	"time"

	"github.com/kvnode/redisd/internal/resp"
	"github.com/kvnode/redisd/internal/store"
	"github.com/kvnode/redisd/internal/streamid"
)

// cmdXAdd implements XADD key id_spec field value [field value ...].
func cmdXAdd(c *conn, w *bufio.Writer, args [][]byte) error {
	if len(args) < 5 || len(args)%2 != 1 {
		return writeArityError(w, "xadd")
	}
	key := string(args[1])
	idSpec := string(args[2])

	fields := make([]store.FieldValue, 0, (len(args)-3)/2)
	for i := 3; i < len(args); i += 2 {
		fields = append(fields, store.FieldValue{Field: args[i], Value: args[i+1]})
	}

	id, err := c.srv.Stores.Streams.Add(key, idSpec, fields)
	if err != nil {
		return resp.WriteError(w, "ERR "+err.Error())
	}
	return resp.WriteBulk(w, []byte(id.String()))
}

// cmdXRange implements XRANGE key start end, where start/end are "-",
// "+", or a literal "<ms>" / "<ms>-<seq>" id.
func cmdXRange(c *conn, w *bufio.Writer, args [][]byte) error {
	if len(args) != 4 {
		return writeArityError(w, "xrange")
	}
	start, err := parseRangeBound(args[2], streamid.Zero)
	if err != nil {
		return resp.WriteError(w, "ERR "+err.Error())
	}
	end, err := parseRangeBound(args[3], streamid.Max)
	if err != nil {
		return resp.WriteError(w, "ERR "+err.Error())
	}

	entries := c.srv.Stores.Streams.Range(string(args[1]), start, end)
	return writeStreamEntries(w, entries)
}

// parseRangeBound resolves a single XRANGE bound: "-"/"+" map to the
// caller-supplied sentinel, and a bare "<ms>" with no seq component
// normalizes its seq to 0 on both bounds, per this server's stated
// divergence from upstream Redis.
func parseRangeBound(b []byte, sentinel streamid.ID) (streamid.ID, error) {
	s := string(b)
	if s == "-" || s == "+" {
		return sentinel, nil
	}
	id, _, err := streamid.Parse(s)
	if err != nil {
		return streamid.ID{}, err
	}
	return id, nil
}

func writeStreamEntries(w *bufio.Writer, entries []store.StreamEntry) error {
	if err := resp.WriteArrayHeader(w, len(entries)); err != nil {
		return err
	}
	for _, e := range entries {
		if err := writeStreamEntry(w, e); err != nil {
			return err
		}
	}
	return nil
}

func writeStreamEntry(w *bufio.Writer, e store.StreamEntry) error {
	if err := resp.WriteArrayHeader(w, 2); err != nil {
		return err
	}
	if err := resp.WriteBulk(w, []byte(e.ID.String())); err != nil {
		return err
	}
	flat := make([][]byte, 0, len(e.Fields)*2)
	for _, fv := range e.Fields {
		flat = append(flat, fv.Field, fv.Value)
	}
	return resp.WriteBulkArray(w, flat)
}

// cmdXRead implements XREAD [BLOCK ms] STREAMS key [key ...] id [id ...].
func cmdXRead(c *conn, w *bufio.Writer, args [][]byte) error {
	i := 1
	var blockMS int64 = -1
	if i < len(args) && upperBytes(args[i]) == "BLOCK" {
		if i+1 >= len(args) {
			return writeArityError(w, "xread")
		}
		ms, ok := parsePositiveInt(args[i+1])
		if !ok {
			return resp.WriteError(w, "ERR timeout is not an integer or out of range")
		}
		blockMS = ms
		i += 2
	}
	if i >= len(args) || upperBytes(args[i]) != "STREAMS" {
		return resp.WriteError(w, "ERR syntax error")
	}
	i++
	rest := args[i:]
	if len(rest) == 0 || len(rest)%2 != 0 {
		return resp.WriteError(w, "ERR Unbalanced XREAD list of streams: for each stream key an ID or '$' must be specified.")
	}
	n := len(rest) / 2
	keys := rest[:n]
	ids := rest[n:]

	pairs := make([]store.StreamWaitPair, n)
	for j := 0; j < n; j++ {
		key := string(keys[j])
		idText := string(ids[j])
		var after streamid.ID
		if idText == "$" {
			if last, ok := c.srv.Stores.Streams.LastID(key); ok {
				after = last
			}
		} else {
			id, _, err := streamid.Parse(idText)
			if err != nil {
				return resp.WriteError(w, "ERR "+err.Error())
			}
			after = id
		}
		pairs[j] = store.StreamWaitPair{Key: key, After: after}
	}

	if blockMS < 0 {
		return writeXReadResult(w, gatherImmediate(c, pairs))
	}

	waiter, immediate, armed := c.srv.Stores.Streams.RegisterWaiter(pairs)
	if !armed {
		return writeXReadResult(w, immediate.Entries)
	}

	var timeoutCh <-chan time.Time
	var timer *time.Timer
	if blockMS > 0 {
		timer = time.NewTimer(time.Duration(blockMS) * time.Millisecond)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case result := <-waiter.Ch:
		return writeXReadResult(w, result.Entries)
	case <-timeoutCh:
		if c.srv.Stores.Streams.DeregisterWaiter(waiter) {
			return resp.WriteNullArray(w)
		}
		result := <-waiter.Ch
		return writeXReadResult(w, result.Entries)
	case <-c.ctx.Done():
		c.srv.Stores.Streams.DeregisterWaiter(waiter)
		return resp.WriteNullArray(w)
	}
}

func gatherImmediate(c *conn, pairs []store.StreamWaitPair) map[string][]store.StreamEntry {
	out := make(map[string][]store.StreamEntry)
	for _, p := range pairs {
		if entries := c.srv.Stores.Streams.EntriesAfter(p.Key, p.After); len(entries) > 0 {
			out[p.Key] = entries
		}
	}
	return out
}

// writeXReadResult encodes the composite XREAD reply: an array of
// [stream-key, array-of-entries] pairs, one per stream that had new
// entries, or a null array if none did.
func writeXReadResult(w *bufio.Writer, byStream map[string][]store.StreamEntry) error {
	if len(byStream) == 0 {
		return resp.WriteNullArray(w)
	}
	if err := resp.WriteArrayHeader(w, len(byStream)); err != nil {
		return err
	}
	for key, entries := range byStream {
		if err := resp.WriteArrayHeader(w, 2); err != nil {
			return err
		}
		if err := resp.WriteBulk(w, []byte(key)); err != nil {
			return err
		}
		if err := writeStreamEntries(w, entries); err != nil {
			return err
		}
	}
	return nil
}
