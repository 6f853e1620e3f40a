// Package rdb reads and writes the subset of the Redis RDB snapshot
// format this server actually produces: string keys with an optional
// millisecond-precision expiry, nothing else.
package rdb

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/kvnode/redisd/internal/store"
)

const (
	magicV12 = "REDIS0012"
	magicV11 = "REDIS0011"

	opExpireMs    = 0xFC
	opExpireSec   = 0xFD
	opSelectDB    = 0xFE
	opResizeDB    = 0xFB
	opEOF         = 0xFF
	opAux         = 0xFA
	typeString    = 0x00
	lenEncodeMask = 0xC0
)

// WriteStrings serializes every live record in snap (as produced by
// StringStore.SnapshotLive) to w in the §4.F subset layout.
func WriteStrings(w io.Writer, snap map[string]store.StringRecord) error {
	bw := bufio.NewWriter(w)

	if _, err := bw.WriteString(magicV12); err != nil {
		return err
	}
	if err := writeByte2(bw, opSelectDB, 0x00); err != nil {
		return err
	}

	withTTL := 0
	for _, rec := range snap {
		if !rec.ExpireAt.IsZero() {
			withTTL++
		}
	}
	if err := bw.WriteByte(opResizeDB); err != nil {
		return err
	}
	if err := writeLength(bw, uint64(len(snap))); err != nil {
		return err
	}
	if err := writeLength(bw, uint64(withTTL)); err != nil {
		return err
	}

	for key, rec := range snap {
		if !rec.ExpireAt.IsZero() {
			if err := bw.WriteByte(opExpireMs); err != nil {
				return err
			}
			var tsBuf [8]byte
			binary.LittleEndian.PutUint64(tsBuf[:], uint64(rec.ExpireAt.UnixMilli()))
			if _, err := bw.Write(tsBuf[:]); err != nil {
				return err
			}
		}
		if err := bw.WriteByte(typeString); err != nil {
			return err
		}
		if err := writeString(bw, []byte(key)); err != nil {
			return err
		}
		if err := writeString(bw, rec.Value); err != nil {
			return err
		}
	}

	if err := bw.WriteByte(opEOF); err != nil {
		return err
	}
	return bw.Flush()
}

func writeByte2(w *bufio.Writer, a, b byte) error {
	if err := w.WriteByte(a); err != nil {
		return err
	}
	return w.WriteByte(b)
}

// writeLength emits the size using the narrowest of the three plain
// length encodings (6-bit, 14-bit, 32-bit); the server never writes the
// special-integer form, it only reads it.
func writeLength(w *bufio.Writer, n uint64) error {
	switch {
	case n < 1<<6:
		return w.WriteByte(byte(n))
	case n < 1<<14:
		if err := w.WriteByte(0x40 | byte(n>>8)); err != nil {
			return err
		}
		return w.WriteByte(byte(n))
	default:
		if err := w.WriteByte(0x80); err != nil {
			return err
		}
		var buf [4]byte
		binary.BigEndian.PutUint32(buf[:], uint32(n))
		_, err := w.Write(buf[:])
		return err
	}
}

func writeString(w *bufio.Writer, b []byte) error {
	if err := writeLength(w, uint64(len(b))); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

// ReadStrings parses the §4.F subset from r, loading live records into
// dst and dropping (silently skipping) any key whose TTL has already
// elapsed by now. An unrecognized opcode is not treated as fatal: it
// ends the read without error, keeping every record loaded before it,
// since a reader that only implements a fragment of the format cannot
// know how many bytes such an opcode's payload spans.
func ReadStrings(r io.Reader, dst *store.StringStore, now time.Time) error {
	br := bufio.NewReader(r)

	magic := make([]byte, 9)
	if _, err := io.ReadFull(br, magic); err != nil {
		return fmt.Errorf("rdb: reading magic: %w", err)
	}
	if string(magic) != magicV12 && string(magic) != magicV11 {
		return fmt.Errorf("rdb: unrecognized magic %q", magic)
	}

	var pendingExpireAt time.Time
	havePending := false

	for {
		op, err := br.ReadByte()
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}

		switch op {
		case opEOF:
			return nil

		case opSelectDB:
			if _, err := br.ReadByte(); err != nil {
				return err
			}

		case opResizeDB:
			if _, err := readLength(br); err != nil {
				return err
			}
			if _, err := readLength(br); err != nil {
				return err
			}

		case opExpireMs:
			var buf [8]byte
			if _, err := io.ReadFull(br, buf[:]); err != nil {
				return err
			}
			ms := binary.LittleEndian.Uint64(buf[:])
			pendingExpireAt = time.UnixMilli(int64(ms))
			havePending = true

		case opExpireSec:
			var buf [4]byte
			if _, err := io.ReadFull(br, buf[:]); err != nil {
				return err
			}
			sec := binary.LittleEndian.Uint32(buf[:])
			pendingExpireAt = time.Unix(int64(sec), 0)
			havePending = true

		case opAux:
			if _, err := readAnyString(br); err != nil {
				return err
			}
			if _, err := readAnyString(br); err != nil {
				return err
			}

		case typeString:
			key, err := readAnyString(br)
			if err != nil {
				return err
			}
			value, err := readAnyString(br)
			if err != nil {
				return err
			}

			expireAt := time.Time{}
			if havePending {
				expireAt = pendingExpireAt
				havePending = false
				if !now.Before(expireAt) {
					continue // already expired: drop at load time
				}
			}
			dst.Load(string(key), store.StringRecord{Value: value, ExpireAt: expireAt})

		default:
			// Unimplemented value type: the subset this server writes
			// never produces one, but a foreign RDB file might. There is
			// no generic skip without knowing the encoding, so treat it
			// as the end of recognizable content.
			return nil
		}
	}
}

// readLength decodes one of the three plain-length forms. The
// special-integer form (0xC0-0xC2) is an error here; readAnyString
// handles it before calling readLength.
func readLength(r *bufio.Reader) (uint64, error) {
	first, err := r.ReadByte()
	if err != nil {
		return 0, err
	}
	switch first & lenEncodeMask {
	case 0x00:
		return uint64(first & 0x3F), nil
	case 0x40:
		second, err := r.ReadByte()
		if err != nil {
			return 0, err
		}
		return uint64(first&0x3F)<<8 | uint64(second), nil
	case 0x80:
		var buf [4]byte
		if _, err := io.ReadFull(r, buf[:]); err != nil {
			return 0, err
		}
		return uint64(binary.BigEndian.Uint32(buf[:])), nil
	default:
		return 0, fmt.Errorf("rdb: length byte 0x%02x is a special-integer marker, not a plain length", first)
	}
}

// readAnyString reads a size-encoded string, transparently expanding the
// special-integer encodings (0xC0 i8, 0xC1 i16 LE, 0xC2 i32 LE) into
// their decimal ASCII form, since that is how INCR-compatible integer
// values round-trip through this subset.
func readAnyString(r *bufio.Reader) ([]byte, error) {
	first, err := r.Peek(1)
	if err != nil {
		return nil, err
	}
	if first[0]&lenEncodeMask == 0xC0 {
		r.Discard(1)
		switch first[0] {
		case 0xC0:
			b, err := r.ReadByte()
			if err != nil {
				return nil, err
			}
			return []byte(strconv.FormatInt(int64(int8(b)), 10)), nil
		case 0xC1:
			var buf [2]byte
			if _, err := io.ReadFull(r, buf[:]); err != nil {
				return nil, err
			}
			return []byte(strconv.FormatInt(int64(int16(binary.LittleEndian.Uint16(buf[:]))), 10)), nil
		case 0xC2:
			var buf [4]byte
			if _, err := io.ReadFull(r, buf[:]); err != nil {
				return nil, err
			}
			return []byte(strconv.FormatInt(int64(int32(binary.LittleEndian.Uint32(buf[:]))), 10)), nil
		default:
			return nil, fmt.Errorf("rdb: unsupported special-integer marker 0x%02x", first[0])
		}
	}

	n, err := readLength(r)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, n)
	if n > 0 {
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, err
		}
	}
	return buf, nil
}
