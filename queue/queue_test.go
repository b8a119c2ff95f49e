package queue

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"
)

// fakeKafka serves records from a slice, honouring commits and offset seeks
// the way a single-partition topic would.
type fakeKafka struct {
	topic     string
	records   []*kgo.Record
	cursor    int64
	committed int64
	closed    bool
}

func newFakeKafka(topic string) *fakeKafka {
	return &fakeKafka{topic: topic, committed: -1}
}

func (f *fakeKafka) add(value []byte) {
	f.records = append(f.records, &kgo.Record{
		Topic:     f.topic,
		Partition: 0,
		Offset:    int64(len(f.records)),
		Value:     value,
	})
}

func (f *fakeKafka) PollRecords(ctx context.Context, max int) kgo.Fetches {
	if f.cursor >= int64(len(f.records)) {
		<-ctx.Done()
		return kgo.Fetches{}
	}
	var out []*kgo.Record
	for len(out) < max && f.cursor < int64(len(f.records)) {
		out = append(out, f.records[f.cursor])
		f.cursor++
	}
	return kgo.Fetches{{Topics: []kgo.FetchTopic{{
		Topic:      f.topic,
		Partitions: []kgo.FetchPartition{{Partition: 0, Records: out}},
	}}}}
}

func (f *fakeKafka) CommitRecords(_ context.Context, rs ...*kgo.Record) error {
	for _, r := range rs {
		if r.Offset > f.committed {
			f.committed = r.Offset
		}
	}
	return nil
}

func (f *fakeKafka) SetOffsets(offsets map[string]map[int32]kgo.EpochOffset) {
	f.cursor = offsets[f.topic][0].Offset
}

func (f *fakeKafka) Close() {
	f.closed = true
}

func batchValue(t *testing.T, batchID string, requestIDs ...string) []byte {
	t.Helper()
	value, err := json.Marshal(BatchMessage{BatchID: batchID, RequestIDs: requestIDs})
	require.NoError(t, err)
	return value
}

func TestReceive_DecodesBatchMessage(t *testing.T) {
	kafka := newFakeKafka("batches")
	kafka.add(batchValue(t, "batch-1", "req-1", "req-2"))
	c := newConsumerWithClient(kafka, "batches")

	msg, err := c.Receive(context.Background())
	require.NoError(t, err)
	require.NotNil(t, msg)
	require.Equal(t, "batch-1", msg.Batch.BatchID)
	require.Equal(t, []string{"req-1", "req-2"}, msg.Batch.RequestIDs)
}

func TestReceive_EmptyTopicTimesOutQuietly(t *testing.T) {
	kafka := newFakeKafka("batches")
	c := newConsumerWithClient(kafka, "batches")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	msg, err := c.Receive(ctx)
	require.NoError(t, err)
	require.Nil(t, msg)
}

func TestReceive_OneInFlight(t *testing.T) {
	kafka := newFakeKafka("batches")
	kafka.add(batchValue(t, "batch-1"))
	kafka.add(batchValue(t, "batch-2"))
	c := newConsumerWithClient(kafka, "batches")

	_, err := c.Receive(context.Background())
	require.NoError(t, err)
	_, err = c.Receive(context.Background())
	require.ErrorIs(t, err, ErrMessageInFlight)
}

func TestAck_CommitsAndAdvances(t *testing.T) {
	kafka := newFakeKafka("batches")
	kafka.add(batchValue(t, "batch-1"))
	kafka.add(batchValue(t, "batch-2"))
	c := newConsumerWithClient(kafka, "batches")
	ctx := context.Background()

	msg, err := c.Receive(ctx)
	require.NoError(t, err)
	require.NoError(t, msg.Ack(ctx))
	require.Equal(t, int64(0), kafka.committed)

	next, err := c.Receive(ctx)
	require.NoError(t, err)
	require.Equal(t, "batch-2", next.Batch.BatchID)
}

func TestNack_Redelivers(t *testing.T) {
	kafka := newFakeKafka("batches")
	kafka.add(batchValue(t, "batch-1"))
	c := newConsumerWithClient(kafka, "batches")
	ctx := context.Background()

	msg, err := c.Receive(ctx)
	require.NoError(t, err)
	require.NoError(t, msg.Nack(ctx))
	require.Equal(t, int64(-1), kafka.committed)

	again, err := c.Receive(ctx)
	require.NoError(t, err)
	require.NotNil(t, again)
	require.Equal(t, "batch-1", again.Batch.BatchID)
}

func TestReceive_DropsMalformedMessage(t *testing.T) {
	kafka := newFakeKafka("batches")
	kafka.add([]byte("{not json"))
	kafka.add(batchValue(t, "batch-2"))
	c := newConsumerWithClient(kafka, "batches")
	ctx := context.Background()

	msg, err := c.Receive(ctx)
	require.NoError(t, err)
	require.Nil(t, msg)
	// The poison message is committed so it never redelivers.
	require.Equal(t, int64(0), kafka.committed)

	next, err := c.Receive(ctx)
	require.NoError(t, err)
	require.Equal(t, "batch-2", next.Batch.BatchID)
}
