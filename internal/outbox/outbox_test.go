package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/cockroachdb/pebble/vfs"
	"github.com/evetabi/auction/internal/domain"
	"github.com/golang/mock/gomock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func openMem(t *testing.T, fs vfs.FS) *Outbox {
	t.Helper()
	ob, err := Open("outbox", Options{FS: fs})
	require.NoError(t, err)
	return ob
}

func event(listingID uuid.UUID, seq int64) domain.Event {
	return domain.Event{Type: domain.EventBidAccepted, ListingID: listingID, Seq: seq}
}

func pending(t *testing.T, ob *Outbox) []Record {
	t.Helper()
	var out []Record
	require.NoError(t, ob.ScanPending(0, func(rec Record) error {
		out = append(out, rec)
		return nil
	}))
	return out
}

// ── Outbox ────────────────────────────────────────────────────────────────────

func TestRecordEncoding(t *testing.T) {
	in := Record{State: StateSent, Retries: 3, LastAttempt: 42, Key: []byte("k"), Payload: []byte(`{"a":1}`)}
	out, err := decodeRecord(7, encodeRecord(in))
	require.NoError(t, err)
	in.Seq = 7
	require.Equal(t, in, out)

	_, err = decodeRecord(1, []byte{1, 2})
	require.Error(t, err)
}

func TestAppend_KeepsOrderAndKey(t *testing.T) {
	ob := openMem(t, vfs.NewMem())
	defer ob.Close()
	id := uuid.New()

	for seq := int64(2); seq <= 4; seq++ {
		require.NoError(t, ob.Append(event(id, seq)))
	}

	recs := pending(t, ob)
	require.Len(t, recs, 3)
	for i, rec := range recs {
		require.EqualValues(t, i+1, rec.Seq)
		require.Equal(t, StateNew, rec.State)
		require.Equal(t, id.String(), string(rec.Key))

		var e domain.Event
		require.NoError(t, json.Unmarshal(rec.Payload, &e))
		require.EqualValues(t, i+2, e.Seq)
	}

	n, err := ob.Len()
	require.NoError(t, err)
	require.Equal(t, 3, n)
}

func TestOpen_ResumesSequence(t *testing.T) {
	fs := vfs.NewMem()
	ob := openMem(t, fs)
	require.NoError(t, ob.Append(event(uuid.New(), 1)))
	require.NoError(t, ob.Append(event(uuid.New(), 1)))
	require.NoError(t, ob.Close())

	ob = openMem(t, fs)
	defer ob.Close()
	require.NoError(t, ob.Append(event(uuid.New(), 1)))

	recs := pending(t, ob)
	require.Len(t, recs, 3)
	require.EqualValues(t, 3, recs[2].Seq)
}

func TestMarkFailed_ParksAfterMaxRetries(t *testing.T) {
	ob := openMem(t, vfs.NewMem())
	defer ob.Close()
	require.NoError(t, ob.Append(event(uuid.New(), 1)))

	rec := pending(t, ob)[0]
	state, err := ob.MarkFailed(rec, 2)
	require.NoError(t, err)
	require.Equal(t, StateNew, state)

	rec, err = ob.Get(rec.Seq)
	require.NoError(t, err)
	require.EqualValues(t, 1, rec.Retries)

	state, err = ob.MarkFailed(rec, 2)
	require.NoError(t, err)
	require.Equal(t, StateFailed, state)
	require.Empty(t, pending(t, ob))

	var failed []Record
	require.NoError(t, ob.ScanFailed(func(r Record) error {
		failed = append(failed, r)
		return nil
	}))
	require.Len(t, failed, 1)
}

func TestMarkAcked_Removes(t *testing.T) {
	ob := openMem(t, vfs.NewMem())
	defer ob.Close()
	require.NoError(t, ob.Append(event(uuid.New(), 1)))

	rec := pending(t, ob)[0]
	require.NoError(t, ob.MarkSent(rec))
	require.Len(t, pending(t, ob), 1, "sent records stay pending until acked")

	require.NoError(t, ob.MarkAcked(rec.Seq))
	n, err := ob.Len()
	require.NoError(t, err)
	require.Zero(t, n)
}

// ── Relay ─────────────────────────────────────────────────────────────────────

func newRelay(ob *Outbox, p Producer, maxRetries int) *Relay {
	return NewRelay(ob, p, RelayConfig{Batch: 10, MaxRetries: maxRetries},
		slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestRelayFlush_AcksDelivered(t *testing.T) {
	ctrl := gomock.NewController(t)
	producer := NewMockProducer(ctrl)
	ob := openMem(t, vfs.NewMem())
	defer ob.Close()
	id := uuid.New()

	require.NoError(t, ob.Append(event(id, 2)))
	require.NoError(t, ob.Append(event(id, 3)))

	gomock.InOrder(
		producer.EXPECT().Send(gomock.Any(), []byte(id.String()), gomock.Any()).Return(nil),
		producer.EXPECT().Send(gomock.Any(), []byte(id.String()), gomock.Any()).Return(nil),
	)

	acked, err := newRelay(ob, producer, 3).Flush(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, acked)

	n, err := ob.Len()
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestRelayFlush_RetriesThenParks(t *testing.T) {
	ctrl := gomock.NewController(t)
	producer := NewMockProducer(ctrl)
	ob := openMem(t, vfs.NewMem())
	defer ob.Close()
	require.NoError(t, ob.Append(event(uuid.New(), 2)))

	producer.EXPECT().Send(gomock.Any(), gomock.Any(), gomock.Any()).
		Return(errors.New("broker unavailable")).Times(2)

	relay := newRelay(ob, producer, 2)

	acked, err := relay.Flush(context.Background())
	require.NoError(t, err)
	require.Zero(t, acked)
	require.Len(t, pending(t, ob), 1)

	acked, err = relay.Flush(context.Background())
	require.NoError(t, err)
	require.Zero(t, acked)
	require.Empty(t, pending(t, ob))

	// Parked records are not retried.
	acked, err = relay.Flush(context.Background())
	require.NoError(t, err)
	require.Zero(t, acked)
}

func TestRelayFlush_FailureDoesNotBlockLaterRecords(t *testing.T) {
	ctrl := gomock.NewController(t)
	producer := NewMockProducer(ctrl)
	ob := openMem(t, vfs.NewMem())
	defer ob.Close()
	first, second := uuid.New(), uuid.New()
	require.NoError(t, ob.Append(event(first, 2)))
	require.NoError(t, ob.Append(event(second, 2)))

	producer.EXPECT().Send(gomock.Any(), []byte(first.String()), gomock.Any()).Return(errors.New("timeout"))
	producer.EXPECT().Send(gomock.Any(), []byte(second.String()), gomock.Any()).Return(nil)

	acked, err := newRelay(ob, producer, 5).Flush(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, acked)

	recs := pending(t, ob)
	require.Len(t, recs, 1)
	require.Equal(t, first.String(), string(recs[0].Key))
	require.EqualValues(t, 1, recs[0].Retries)
}

func TestRelayFlush_FailedSendHoldsLaterRecordsOfSameListing(t *testing.T) {
	ctrl := gomock.NewController(t)
	producer := NewMockProducer(ctrl)
	ob := openMem(t, vfs.NewMem())
	defer ob.Close()
	held, other := uuid.New(), uuid.New()
	require.NoError(t, ob.Append(event(held, 2)))
	require.NoError(t, ob.Append(event(held, 3)))
	require.NoError(t, ob.Append(event(other, 2)))

	var sent []int64
	record := func(_ context.Context, _, value []byte) error {
		var e domain.Event
		require.NoError(t, json.Unmarshal(value, &e))
		sent = append(sent, e.Seq)
		return nil
	}

	gomock.InOrder(
		producer.EXPECT().Send(gomock.Any(), []byte(held.String()), gomock.Any()).Return(errors.New("timeout")),
		producer.EXPECT().Send(gomock.Any(), []byte(other.String()), gomock.Any()).Return(nil),
	)

	relay := newRelay(ob, producer, 5)
	acked, err := relay.Flush(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, acked)

	recs := pending(t, ob)
	require.Len(t, recs, 2)
	require.EqualValues(t, 1, recs[0].Retries)
	require.EqualValues(t, 0, recs[1].Retries, "the later record must not have been attempted")

	producer.EXPECT().Send(gomock.Any(), []byte(held.String()), gomock.Any()).DoAndReturn(record).Times(2)

	acked, err = relay.Flush(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, acked)
	require.Equal(t, []int64{2, 3}, sent)
}
