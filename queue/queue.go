// Package queue consumes anchor batch descriptors from Kafka. A batch
// message names the batch id and the request ids it covers; the anchor worker
// acks the message once the batch is fully persisted, and nacks it so another
// worker retries otherwise.
package queue

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/twmb/franz-go/pkg/kgo"
)

var log = logrus.WithField("prefix", "queue")

// ErrMessageInFlight is returned by Receive while a previous message has been
// neither acked nor nacked.
var ErrMessageInFlight = errors.New("queue: previous message still in flight")

// Config tunes the consumer.
type Config struct {
	Brokers []string
	Topic   string
	// GroupID shares the topic between workers.
	GroupID string
}

// BatchMessage is the wire payload of one anchor batch descriptor.
type BatchMessage struct {
	// BatchID identifies the batch.
	BatchID string `json:"bid"`
	// RequestIDs are the request rows the batch covers.
	RequestIDs []string `json:"rids"`
}

// client is the slice of kgo.Client the consumer uses.
type client interface {
	PollRecords(ctx context.Context, maxPollRecords int) kgo.Fetches
	CommitRecords(ctx context.Context, rs ...*kgo.Record) error
	SetOffsets(setOffsets map[string]map[int32]kgo.EpochOffset)
	Close()
}

// Consumer hands out one batch message at a time.
type Consumer struct {
	client   client
	topic    string
	inFlight bool
}

// NewConsumer joins the consumer group. Offsets are committed manually on
// ack, so redelivery after a crash starts from the last acked batch.
func NewConsumer(cfg Config) (*Consumer, error) {
	kc, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.GroupID),
		kgo.ConsumeTopics(cfg.Topic),
		kgo.DisableAutoCommit(),
		kgo.BlockRebalanceOnPoll(),
	)
	if err != nil {
		return nil, errors.Wrap(err, "creating kafka consumer")
	}
	return &Consumer{client: kc, topic: cfg.Topic}, nil
}

func newConsumerWithClient(c client, topic string) *Consumer {
	return &Consumer{client: c, topic: topic}
}

// Message is one in-flight batch descriptor.
type Message struct {
	Batch    BatchMessage
	record   *kgo.Record
	consumer *Consumer
}

// Data returns the decoded batch descriptor.
func (m *Message) Data() BatchMessage {
	return m.Batch
}

// Receive returns the next batch message, or nil when the wait expires with
// nothing to process. At most one message is in flight per consumer.
func (c *Consumer) Receive(ctx context.Context) (*Message, error) {
	if c.inFlight {
		return nil, ErrMessageInFlight
	}
	fetches := c.client.PollRecords(ctx, 1)
	if fetches.IsClientClosed() {
		return nil, errors.New("queue: consumer closed")
	}
	if err := ctx.Err(); err != nil {
		if err == context.DeadlineExceeded {
			// Wait expired with nothing to process.
			return nil, nil
		}
		return nil, err
	}
	if err := firstFetchError(fetches); err != nil {
		return nil, errors.Wrap(err, "polling batch topic")
	}
	records := fetches.Records()
	if len(records) == 0 {
		return nil, nil
	}
	record := records[0]
	var batch BatchMessage
	if err := json.Unmarshal(record.Value, &batch); err != nil {
		// A malformed descriptor can never succeed; drop it.
		log.WithError(err).WithField("offset", record.Offset).
			Error("dropping undecodable batch message")
		if err := c.client.CommitRecords(ctx, record); err != nil {
			return nil, errors.Wrap(err, "committing undecodable message")
		}
		return nil, nil
	}
	c.inFlight = true
	return &Message{Batch: batch, record: record, consumer: c}, nil
}

func firstFetchError(fetches kgo.Fetches) error {
	for _, fetchErr := range fetches.Errors() {
		if fetchErr.Err != nil {
			return fetchErr.Err
		}
	}
	return nil
}

// Ack marks the batch permanently processed by committing its offset.
func (m *Message) Ack(ctx context.Context) error {
	if err := m.consumer.client.CommitRecords(ctx, m.record); err != nil {
		return errors.Wrap(err, "committing batch message")
	}
	m.consumer.inFlight = false
	return nil
}

// Nack returns the batch to the queue by rewinding the partition to the
// message's offset, so the next poll redelivers it.
func (m *Message) Nack(_ context.Context) error {
	m.consumer.client.SetOffsets(map[string]map[int32]kgo.EpochOffset{
		m.record.Topic: {
			m.record.Partition: {
				Epoch:  m.record.LeaderEpoch,
				Offset: m.record.Offset,
			},
		},
	})
	m.consumer.inFlight = false
	return nil
}

// Close leaves the group without committing the in-flight message.
func (c *Consumer) Close() {
	c.client.Close()
}
