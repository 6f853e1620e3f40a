// Package server implements the per-connection RESP command loop and
// the process bootstrap: binding, accepting, and holding the shared
// storage engines and replication state every connection uses.
package server

import (
	"bytes"
	"context"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kvnode/redisd/internal/rdb"
	"github.com/kvnode/redisd/internal/replication"
	"github.com/kvnode/redisd/internal/store"
)

// Stores bundles the three process-wide storage engines a connection
// dispatches into.
type Stores struct {
	Strings *store.StringStore
	Lists   *store.ListStore
	Streams *store.StreamStore
}

// NewStores constructs empty, disjoint stores for the three value
// kinds.
func NewStores() Stores {
	return Stores{
		Strings: store.NewStringStore(),
		Lists:   store.NewListStore(),
		Streams: store.NewStreamStore(),
	}
}

// Config are the bootstrap settings parsed from argv by cmd/redisd.
type Config struct {
	Port          int
	Dir           string
	DBFilename    string
	ReplicaOf     string // "host port", empty if this node starts as master
	ReplicaOfPort int    // port to advertise via REPLCONF listening-port
}

// Server holds the shared state every accepted connection's handler
// reads and mutates: the stores, the replica registry, and the current
// role.
type Server struct {
	cfg Config
	log *zap.Logger

	Stores   Stores
	Registry *replication.Registry

	replID string

	mu            sync.Mutex
	role          string // "master" or "slave", matching INFO replication's vocabulary
	cancelReplica context.CancelFunc

	waiterSeq  atomic.Int64
	connSeq    atomic.Int64
	listener   net.Listener
	group      *errgroup.Group
	groupCtx   context.Context
	cancelFunc context.CancelFunc
}

// New constructs a Server with fresh stores. It does not yet bind or
// load any RDB file; call LoadRDB and Serve separately so callers can
// sequence logging around each step.
func New(cfg Config, log *zap.Logger) *Server {
	s := &Server{
		cfg:      cfg,
		log:      log,
		Stores:   NewStores(),
		Registry: replication.NewRegistry(log),
		replID:   replication.NewReplID(),
		role:     "master",
	}
	if cfg.ReplicaOf != "" {
		s.role = "slave"
	}
	return s
}

// Role reports the current role ("master" or "slave").
func (s *Server) Role() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.role
}

// ReplID returns the fixed 40-hex-character replication ID.
func (s *Server) ReplID() string {
	return s.replID
}

// RDBPath is where the startup load looks for the snapshot, per
// --dir/--dbfilename. SAVE does not use it; see Save.
func (s *Server) RDBPath() string {
	return s.cfg.Dir + "/" + s.cfg.DBFilename
}

// LoadRDB loads the configured snapshot file if present. Errors are
// logged and swallowed: a corrupt or absent file starts the server with
// an empty string store rather than aborting (spec.md §7).
func (s *Server) LoadRDB() {
	if err := rdb.LoadFromFile(s.RDBPath(), s.Stores.Strings); err != nil {
		for _, k := range s.Stores.Strings.Keys() {
			s.Stores.Strings.Remove(k)
		}
		s.log.Warn("rdb load failed, starting with an empty string store", zap.Error(err))
	}
}

// StartReplicaOf launches the replica handshake/apply loop against
// addr. It is called once at bootstrap when --replicaof is given, and
// again never, since this version only supports dropping replication
// via REPLICAOF NO ONE, not pointing at a new master at runtime.
func (s *Server) StartReplicaOf(addr string, listenPort int) {
	ctx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.role = "slave"
	s.cancelReplica = cancel
	s.mu.Unlock()

	go replication.Run(ctx, addr, listenPort, s.applyReplicated, s.loadSnapshot, s.log)
}

// loadSnapshot installs an RDB payload received as PSYNC's full resync
// bulk transfer into the string store, overwriting every key the
// snapshot carries. Keys already in the store that the snapshot does
// not carry are left in place.
func (s *Server) loadSnapshot(payload []byte) error {
	return rdb.ReadStrings(bytes.NewReader(payload), s.Stores.Strings, time.Now())
}

// applyReplicated executes one command array received from the master,
// discarding any reply; it is the Applier passed to replication.Run.
func (s *Server) applyReplicated(args [][]byte) {
	if len(args) == 0 {
		return
	}
	c := newReplicaApplyConn(s)
	_ = c.execute(c.w, strings.ToUpper(string(args[0])), args)
}

// ReplicaOfNoOne switches the server to master role, stopping any
// in-flight replica apply loop. It is idempotent.
func (s *Server) ReplicaOfNoOne() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancelReplica != nil {
		s.cancelReplica()
		s.cancelReplica = nil
	}
	s.role = "master"
}

// Save writes the string store to the RDB file at the process's
// current working directory under the fixed name dump.rdb, per
// spec.md's noted (likely-bug) divergence from --dir.
func (s *Server) Save() error {
	return rdb.SaveToFile("dump.rdb", s.Stores.Strings)
}

// Serve binds the listener and accepts connections until ctx is
// canceled, spawning one goroutine per accepted connection under an
// errgroup so Shutdown can wait for every in-flight connection to
// unwind its blocking reads.
func (s *Server) Serve(ctx context.Context) error {
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", ":"+strconv.Itoa(s.cfg.Port))
	if err != nil {
		return err
	}
	s.listener = ln

	groupCtx, cancel := context.WithCancel(ctx)
	group, groupCtx := errgroup.WithContext(groupCtx)
	s.group = group
	s.groupCtx = groupCtx
	s.cancelFunc = cancel

	group.Go(func() error {
		<-ctx.Done()
		return ln.Close()
	})

	for {
		c, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return group.Wait()
			default:
				s.log.Warn("accept failed", zap.Error(err))
				continue
			}
		}
		id := s.connSeq.Add(1)
		group.Go(func() error {
			s.handleConnection(groupCtx, c, id)
			return nil
		})
	}
}

// Shutdown cancels every in-flight connection and waits for them to
// return.
func (s *Server) Shutdown() {
	if s.cancelFunc != nil {
		s.cancelFunc()
	}
	if s.group != nil {
		s.group.Wait()
	}
}
