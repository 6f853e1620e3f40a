package store

import (
	"errors"
	"sync"
	"time"

	"github.com/kvnode/redisd/internal/streamid"
)

// Validation errors for XADD, with the exact wire text spec.md mandates.
var (
	ErrStreamIDMalformed  = errors.New("Invalid stream ID specified as stream command argument")
	ErrStreamIDNotPositve = errors.New("The ID specified in XADD must be greater than 0-0")
	ErrStreamIDTooSmall   = errors.New("The ID specified in XADD is equal or smaller than the target stream top item")
)

// FieldValue is one field/value pair of a stream entry, kept as a slice
// element (not a map) so insertion order survives.
type FieldValue struct {
	Field []byte
	Value []byte
}

// StreamEntry is one appended record.
type StreamEntry struct {
	ID     streamid.ID
	Fields []FieldValue
}

type streamState struct {
	entries []StreamEntry
	waiters map[int64]*StreamWaiter
}

// StreamWaitPair is one (stream, last-seen-id) the waiter is watching.
type StreamWaitPair struct {
	Key   string
	After streamid.ID
}

// StreamWaitResult is delivered to a woken XREAD BLOCK waiter: the
// entries strictly after After, for every stream that advanced.
type StreamWaitResult struct {
	Entries map[string][]StreamEntry
}

// StreamWaiter is a client blocked in XREAD BLOCK across one or more
// streams.
type StreamWaiter struct {
	ID        int64
	Pairs     []StreamWaitPair
	Ch        chan StreamWaitResult
	delivered bool
}

// StreamStore is the key→append-log store for the STREAM value kind,
// plus the cross-stream waiter registry used by XREAD BLOCK.
type StreamStore struct {
	mu       sync.Mutex
	streams  map[string]*streamState
	waiterID int64
}

// NewStreamStore returns an empty store.
func NewStreamStore() *StreamStore {
	return &StreamStore{streams: make(map[string]*streamState)}
}

func (s *StreamStore) stateOrCreate(key string) *streamState {
	st := s.streams[key]
	if st == nil {
		st = &streamState{waiters: make(map[int64]*StreamWaiter)}
		s.streams[key] = st
	}
	return st
}

// parseIDSpec resolves the XADD id_spec grammar: "*", "<ms>-*" or
// "<ms>-<seq>". last/hasEntries feed the sequence-assignment rule for
// the auto-generating forms.
func parseIDSpec(spec string, now time.Time, last streamid.ID, hasEntries bool) (streamid.ID, error) {
	if spec == "*" {
		ms := uint64(now.UnixMilli())
		return streamid.ID{Ms: ms, Seq: streamid.NextSeq(ms, last, hasEntries)}, nil
	}
	if n := len(spec); n >= 2 && spec[n-2:] == "-*" {
		msPart := spec[:n-2]
		ms, ok := parseStrictUint(msPart)
		if !ok {
			return streamid.ID{}, ErrStreamIDMalformed
		}
		return streamid.ID{Ms: ms, Seq: streamid.NextSeq(ms, last, hasEntries)}, nil
	}
	id, hasSeq, err := streamid.Parse(spec)
	if err != nil {
		return streamid.ID{}, ErrStreamIDMalformed
	}
	if !hasSeq {
		return streamid.ID{}, ErrStreamIDMalformed
	}
	return id, nil
}

func parseStrictUint(s string) (uint64, bool) {
	if s == "" {
		return 0, false
	}
	var u uint64
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, false
		}
		u = u*10 + uint64(c-'0')
	}
	return u, true
}

// Add assigns/validates an ID per idSpec and appends the entry,
// returning the assigned ID. On success it wakes every satisfied
// XREAD BLOCK waiter registered on key.
func (s *StreamStore) Add(key, idSpec string, fields []FieldValue) (streamid.ID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.stateOrCreate(key)
	hasEntries := len(st.entries) > 0
	var last streamid.ID
	if hasEntries {
		last = st.entries[len(st.entries)-1].ID
	}

	id, err := parseIDSpec(idSpec, time.Now(), last, hasEntries)
	if err != nil {
		return streamid.ID{}, err
	}
	if id == streamid.Zero {
		return streamid.ID{}, ErrStreamIDNotPositve
	}
	if hasEntries && !last.Less(id) {
		return streamid.ID{}, ErrStreamIDTooSmall
	}

	st.entries = append(st.entries, StreamEntry{ID: id, Fields: fields})
	s.notifyWaiters(st)
	return id, nil
}

// notifyWaiters must be called with s.mu held. It wakes and deregisters
// every waiter on st whose watch set is now satisfied.
func (s *StreamStore) notifyWaiters(st *streamState) {
	for wid, w := range st.waiters {
		if w.delivered {
			continue
		}
		result, ok := s.composeIfSatisfied(w)
		if !ok {
			continue
		}
		w.delivered = true
		s.deregisterLocked(w)
		_ = wid
		select {
		case w.Ch <- result:
		default:
		}
	}
}

// composeIfSatisfied must be called with s.mu held.
func (s *StreamStore) composeIfSatisfied(w *StreamWaiter) (StreamWaitResult, bool) {
	entries := make(map[string][]StreamEntry)
	for _, pair := range w.Pairs {
		st := s.streams[pair.Key]
		if st == nil {
			continue
		}
		after := entriesAfterLocked(st, pair.After)
		if len(after) > 0 {
			entries[pair.Key] = after
		}
	}
	if len(entries) == 0 {
		return StreamWaitResult{}, false
	}
	return StreamWaitResult{Entries: entries}, true
}

// deregisterLocked must be called with s.mu held.
func (s *StreamStore) deregisterLocked(w *StreamWaiter) {
	for _, pair := range w.Pairs {
		if st := s.streams[pair.Key]; st != nil {
			delete(st.waiters, w.ID)
		}
	}
}

// RegisterWaiter arms a blocking XREAD across pairs. If any listed
// stream already has an entry strictly after its paired last-seen ID,
// it returns the already-satisfied result and registers nothing so the
// caller replies immediately instead of blocking.
func (s *StreamStore) RegisterWaiter(pairs []StreamWaitPair) (*StreamWaiter, StreamWaitResult, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := make(map[string][]StreamEntry)
	for _, pair := range pairs {
		if st := s.streams[pair.Key]; st != nil {
			if after := entriesAfterLocked(st, pair.After); len(after) > 0 {
				entries[pair.Key] = after
			}
		}
	}
	if len(entries) > 0 {
		return nil, StreamWaitResult{Entries: entries}, false
	}

	s.waiterID++
	w := &StreamWaiter{
		ID:    s.waiterID,
		Pairs: pairs,
		Ch:    make(chan StreamWaitResult, 1),
	}
	for _, pair := range pairs {
		st := s.stateOrCreate(pair.Key)
		st.waiters[w.ID] = w
	}
	return w, StreamWaitResult{}, true
}

// DeregisterWaiter removes w from every stream it watches, unless a
// notifyWaiters call already claimed delivery. It reports whether it
// won the race (true) or was beaten by a concurrent Add (false), in
// which case the caller must not reply with a timeout.
func (s *StreamStore) DeregisterWaiter(w *StreamWaiter) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if w.delivered {
		return false
	}
	w.delivered = true
	s.deregisterLocked(w)
	return true
}

func entriesAfterLocked(st *streamState, after streamid.ID) []StreamEntry {
	// entries are append-ordered and strictly increasing, so a linear
	// scan from the tail is sufficient; streams stay small in practice
	// for this server's target workloads.
	idx := len(st.entries)
	for idx > 0 && after.Less(st.entries[idx-1].ID) {
		idx--
	}
	return st.entries[idx:]
}

// EntriesAfter returns entries strictly greater than after, the read
// primitive behind XREAD.
func (s *StreamStore) EntriesAfter(key string, after streamid.ID) []StreamEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.streams[key]
	if st == nil {
		return nil
	}
	out := entriesAfterLocked(st, after)
	cp := make([]StreamEntry, len(out))
	copy(cp, out)
	return cp
}

// Range returns entries with ID in [start, end] inclusive, ordered by
// (ms, seq).
func (s *StreamStore) Range(key string, start, end streamid.ID) []StreamEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.streams[key]
	if st == nil {
		return nil
	}
	var out []StreamEntry
	for _, e := range st.entries {
		if streamid.InRange(e.ID, start, end) {
			out = append(out, e)
		}
	}
	return out
}

// LastID returns the stream's most recent ID, or false if the stream
// does not exist or is empty.
func (s *StreamStore) LastID(key string) (streamid.ID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.streams[key]
	if st == nil || len(st.entries) == 0 {
		return streamid.ID{}, false
	}
	return st.entries[len(st.entries)-1].ID, true
}

// FirstID returns the stream's oldest ID, or false if empty/absent.
func (s *StreamStore) FirstID(key string) (streamid.ID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.streams[key]
	if st == nil || len(st.entries) == 0 {
		return streamid.ID{}, false
	}
	return st.entries[0].ID, true
}

// Length reports the entry count, 0 for an absent stream.
func (s *StreamStore) Length(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.streams[key]
	if st == nil {
		return 0
	}
	return len(st.entries)
}

// Exists reports whether key names a stream at all (even an empty one
// created then never appended to is not observable, same as lists:
// a stream only comes into existence on its first successful Add).
func (s *StreamStore) Exists(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.streams[key]
	return st != nil && len(st.entries) > 0
}

// Remove deletes key's stream unconditionally, reporting whether it held
// any entries. Any waiters still registered on it are left armed rather
// than woken: DEL is not itself a stream event per spec scope.
func (s *StreamStore) Remove(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.streams[key]
	if st == nil || len(st.entries) == 0 {
		return false
	}
	if len(st.waiters) > 0 {
		st.entries = nil
	} else {
		delete(s.streams, key)
	}
	return true
}
