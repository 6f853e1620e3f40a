package replication

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/kvnode/redisd/internal/resp"
)

// Applier executes one already-decoded command array against the local
// stores and discards any reply; it is how the replica's apply-only
// loop feeds writes into the same storage engines a client connection
// would use.
type Applier func(args [][]byte)

// SnapshotLoader installs the RDB bytes delivered as PSYNC's full
// resync payload into the local stores, before the apply loop starts
// consuming the command stream.
type SnapshotLoader func(rdb []byte) error

// DialDelayMax bounds the reconnect backoff of Run.
const DialDelayMax = time.Second / 2

// Run performs the replica handshake against addr and then loops
// applying every command the master streams, until ctx is canceled. It
// reconnects with exponential backoff on connection loss, since a
// replica whose master restarts should resume rather than give up.
func Run(ctx context.Context, addr string, listenPort int, apply Applier, loadSnapshot SnapshotLoader, log *zap.Logger) {
	var retryDelay time.Duration
	for ctx.Err() == nil {
		if err := runOnce(ctx, addr, listenPort, apply, loadSnapshot, log); err != nil {
			if log != nil {
				log.Warn("replica handshake/apply loop ended", zap.Error(err))
			}
		}
		if ctx.Err() != nil {
			return
		}
		retryDelay = 2*retryDelay + time.Millisecond
		if retryDelay > DialDelayMax {
			retryDelay = DialDelayMax
		}
		select {
		case <-time.After(retryDelay):
		case <-ctx.Done():
			return
		}
	}
}

func runOnce(ctx context.Context, addr string, listenPort int, apply Applier, loadSnapshot SnapshotLoader, log *zap.Logger) error {
	dialer := net.Dialer{Timeout: time.Second}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dial master: %w", err)
	}
	defer conn.Close()

	r := bufio.NewReader(conn)
	w := bufio.NewWriter(conn)

	if err := sendAndExpectLine(w, r, resp.EncodeCommand([][]byte{[]byte("PING")})); err != nil {
		return fmt.Errorf("PING: %w", err)
	}

	portArg := []byte(strconv.Itoa(listenPort))
	if err := sendAndExpectOK(w, r, [][]byte{[]byte("REPLCONF"), []byte("listening-port"), portArg}); err != nil {
		return fmt.Errorf("REPLCONF listening-port: %w", err)
	}
	if err := sendAndExpectOK(w, r, [][]byte{[]byte("REPLCONF"), []byte("capa"), []byte("psync2")}); err != nil {
		return fmt.Errorf("REPLCONF capa: %w", err)
	}

	if _, err := w.Write(resp.EncodeCommand([][]byte{[]byte("PSYNC"), []byte("?"), []byte("-1")})); err != nil {
		return err
	}
	if err := w.Flush(); err != nil {
		return err
	}
	if _, err := resp.ReadLine(r); err != nil { // "+FULLRESYNC <replid> <offset>"
		return fmt.Errorf("PSYNC reply: %w", err)
	}

	n, err := resp.ReadBulkHeader(r)
	if err != nil {
		return fmt.Errorf("RDB bulk header: %w", err)
	}
	if n >= 0 {
		payload, err := resp.ReadBulkPayload(r, n)
		if err != nil {
			return fmt.Errorf("RDB bulk payload: %w", err)
		}
		if loadSnapshot != nil {
			if err := loadSnapshot(payload); err != nil && log != nil {
				log.Warn("replica snapshot load failed", zap.Error(err))
			}
		}
	}
	if log != nil {
		log.Info("replica full resync complete", zap.String("master", addr))
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		args, err := resp.DecodeCommand(r)
		if err != nil {
			return fmt.Errorf("apply loop: %w", err)
		}
		apply(args)
	}
}

func sendAndExpectLine(w *bufio.Writer, r *bufio.Reader, buf []byte) error {
	if _, err := w.Write(buf); err != nil {
		return err
	}
	if err := w.Flush(); err != nil {
		return err
	}
	_, err := resp.ReadLine(r)
	return err
}

func sendAndExpectOK(w *bufio.Writer, r *bufio.Reader, args [][]byte) error {
	if _, err := w.Write(resp.EncodeCommand(args)); err != nil {
		return err
	}
	if err := w.Flush(); err != nil {
		return err
	}
	line, err := resp.ReadLine(r)
	if err != nil {
		return err
	}
	if string(line) != "+OK" {
		return fmt.Errorf("expected +OK, got %q", line)
	}
	return nil
}
