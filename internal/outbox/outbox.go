// Package outbox is a durable, ordered queue of listing events awaiting
// delivery to Kafka. Events are appended on publish and removed once the
// relay has had them acknowledged.
package outbox

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/evetabi/auction/internal/domain"
)

// ──────────────────────────────────────────────────────────────────────────────
// State
// ──────────────────────────────────────────────────────────────────────────────

// State is the delivery state of one record.
type State uint8

const (
	StateNew    State = iota // waiting to be sent
	StateSent                // handed to the producer, no ack yet
	StateFailed              // parked after too many attempts
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "NEW"
	case StateSent:
		return "SENT"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Record
// ──────────────────────────────────────────────────────────────────────────────

// Record is one queued event.
type Record struct {
	Seq         uint64
	State       State
	Retries     uint32
	LastAttempt int64  // unix nanos, 0 before the first attempt
	Key         []byte // partition key: the listing id
	Payload     []byte // JSON-encoded domain.Event
}

const headerLen = 1 + 4 + 8 + 2

// binary encoding: [state:1][retries:4][lastAttempt:8][keyLen:2][key][payload]
func encodeRecord(r Record) []byte {
	buf := make([]byte, headerLen+len(r.Key)+len(r.Payload))
	buf[0] = byte(r.State)
	binary.BigEndian.PutUint32(buf[1:5], r.Retries)
	binary.BigEndian.PutUint64(buf[5:13], uint64(r.LastAttempt))
	binary.BigEndian.PutUint16(buf[13:15], uint16(len(r.Key)))
	n := copy(buf[headerLen:], r.Key)
	copy(buf[headerLen+n:], r.Payload)
	return buf
}

func decodeRecord(seq uint64, b []byte) (Record, error) {
	if len(b) < headerLen {
		return Record{}, errors.New("outbox: record too short")
	}
	keyLen := int(binary.BigEndian.Uint16(b[13:15]))
	if len(b) < headerLen+keyLen {
		return Record{}, errors.New("outbox: record key truncated")
	}
	// pebble reuses its buffers; copy out what we keep.
	body := bytes.Clone(b[headerLen:])
	return Record{
		Seq:         seq,
		State:       State(b[0]),
		Retries:     binary.BigEndian.Uint32(b[1:5]),
		LastAttempt: int64(binary.BigEndian.Uint64(b[5:13])),
		Key:         body[:keyLen],
		Payload:     body[keyLen:],
	}, nil
}

// ──────────────────────────────────────────────────────────────────────────────
// Outbox
// ──────────────────────────────────────────────────────────────────────────────

// Options configures Open.
type Options struct {
	// FS overrides the filesystem; tests pass vfs.NewMem().
	FS vfs.FS
}

// Outbox stores records in pebble under evt/<seq>, so iteration order is
// append order.
type Outbox struct {
	db *pebble.DB

	mu  sync.Mutex // serialises sequence assignment
	seq uint64
}

// Open opens (or creates) the outbox in dir and resumes its sequence from
// the last stored record.
func Open(dir string, opts Options) (*Outbox, error) {
	po := &pebble.Options{}
	if opts.FS != nil {
		po.FS = opts.FS
	}
	db, err := pebble.Open(dir, po)
	if err != nil {
		return nil, fmt.Errorf("outbox.Open: %w", err)
	}

	o := &Outbox{db: db}
	if o.seq, err = o.lastSeq(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("outbox.Open: %w", err)
	}
	return o, nil
}

// Close flushes and closes the store.
func (o *Outbox) Close() error {
	return o.db.Close()
}

// Append stores e as a NEW record. It implements notifier.Sink.
func (o *Outbox) Append(e domain.Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("outbox.Append: encode: %w", err)
	}
	rec := Record{
		State:   StateNew,
		Key:     []byte(e.ListingID.String()),
		Payload: payload,
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	rec.Seq = o.seq + 1
	if err := o.db.Set(keyFor(rec.Seq), encodeRecord(rec), pebble.Sync); err != nil {
		return fmt.Errorf("outbox.Append: %w", err)
	}
	o.seq = rec.Seq
	return nil
}

// ScanPending calls fn for up to limit records in NEW or SENT state, oldest
// first. SENT records are included because a crash between send and ack
// leaves them there; consumers see them again (at-least-once).
func (o *Outbox) ScanPending(limit int, fn func(rec Record) error) error {
	return o.scan(func(rec Record) (bool, error) {
		if rec.State == StateFailed {
			return true, nil
		}
		if err := fn(rec); err != nil {
			return false, err
		}
		limit--
		return limit != 0, nil
	})
}

// ScanFailed calls fn for every parked record.
func (o *Outbox) ScanFailed(fn func(rec Record) error) error {
	return o.scan(func(rec Record) (bool, error) {
		if rec.State != StateFailed {
			return true, nil
		}
		return true, fn(rec)
	})
}

// MarkSent records a send attempt.
func (o *Outbox) MarkSent(rec Record) error {
	rec.State = StateSent
	rec.LastAttempt = time.Now().UnixNano()
	return o.put(rec)
}

// MarkAcked removes an acknowledged record.
func (o *Outbox) MarkAcked(seq uint64) error {
	if err := o.db.Delete(keyFor(seq), pebble.Sync); err != nil {
		return fmt.Errorf("outbox.MarkAcked %d: %w", seq, err)
	}
	return nil
}

// MarkFailed counts a failed attempt. The record goes back to NEW for
// another try, or is parked as FAILED once it has used maxRetries attempts.
// It returns the stored state.
func (o *Outbox) MarkFailed(rec Record, maxRetries int) (State, error) {
	rec.Retries++
	rec.LastAttempt = time.Now().UnixNano()
	rec.State = StateNew
	if maxRetries > 0 && int(rec.Retries) >= maxRetries {
		rec.State = StateFailed
	}
	return rec.State, o.put(rec)
}

// Get returns the record stored under seq.
func (o *Outbox) Get(seq uint64) (Record, error) {
	val, closer, err := o.db.Get(keyFor(seq))
	if err != nil {
		return Record{}, err
	}
	defer closer.Close()
	return decodeRecord(seq, val)
}

// Len returns the number of stored records in any state.
func (o *Outbox) Len() (int, error) {
	n := 0
	err := o.scan(func(Record) (bool, error) {
		n++
		return true, nil
	})
	return n, err
}

// ──────────────────────────────────────────────────────────────────────────────
// Helpers
// ──────────────────────────────────────────────────────────────────────────────

const keyPrefix = "evt/"

var (
	lowerBound = []byte(keyPrefix)
	upperBound = []byte(keyPrefix + "~")
)

func keyFor(seq uint64) []byte {
	return []byte(fmt.Sprintf(keyPrefix+"%020d", seq))
}

func parseKey(b []byte) (uint64, error) {
	var seq uint64
	_, err := fmt.Sscanf(string(bytes.TrimPrefix(b, lowerBound)), "%d", &seq)
	return seq, err
}

func (o *Outbox) put(rec Record) error {
	if err := o.db.Set(keyFor(rec.Seq), encodeRecord(rec), pebble.Sync); err != nil {
		return fmt.Errorf("outbox: update %d: %w", rec.Seq, err)
	}
	return nil
}

// scan walks records in key order until fn returns false or an error.
func (o *Outbox) scan(fn func(rec Record) (bool, error)) error {
	iter, err := o.db.NewIter(&pebble.IterOptions{
		LowerBound: lowerBound,
		UpperBound: upperBound,
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		seq, err := parseKey(iter.Key())
		if err != nil {
			return err
		}
		rec, err := decodeRecord(seq, iter.Value())
		if err != nil {
			return err
		}
		more, err := fn(rec)
		if err != nil {
			return err
		}
		if !more {
			break
		}
	}
	return iter.Error()
}

func (o *Outbox) lastSeq() (uint64, error) {
	iter, err := o.db.NewIter(&pebble.IterOptions{
		LowerBound: lowerBound,
		UpperBound: upperBound,
	})
	if err != nil {
		return 0, err
	}
	defer iter.Close()

	if !iter.Last() {
		return 0, iter.Error()
	}
	return parseKey(iter.Key())
}
