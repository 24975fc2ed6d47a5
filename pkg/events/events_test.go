package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type payload struct {
	ID   string `json:"id"`
	Step string `json:"step"`
}

type fakeWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { w.closed = true; return nil }

// fakeReader hands out msgs, then cancels the consumer's context.
type fakeReader struct {
	mu        sync.Mutex
	msgs      []kafka.Message
	committed []int64
	cancel    context.CancelFunc
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.msgs) == 0 {
		r.cancel()
		<-ctx.Done()
		return kafka.Message{}, ctx.Err()
	}
	m := r.msgs[0]
	r.msgs = r.msgs[1:]
	return m, nil
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error { return nil }

func TestPublish(t *testing.T) {
	w := &fakeWriter{}
	p := &Producer[payload]{writer: w, topic: "rdeploy-events"}

	require.NoError(t, p.Publish(context.Background(), []byte("run-1"), payload{ID: "run-1", Step: "install"}))
	require.Len(t, w.msgs, 1)
	assert.Equal(t, []byte("run-1"), w.msgs[0].Key)
	var got payload
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &got))
	assert.Equal(t, payload{ID: "run-1", Step: "install"}, got)

	w.err = kafka.UnknownTopicOrPartition
	err := p.Publish(context.Background(), nil, payload{})
	assert.ErrorIs(t, err, kafka.UnknownTopicOrPartition)
	assert.ErrorContains(t, err, "does not exist")

	require.NoError(t, p.Close())
	assert.True(t, w.closed)
}

func TestConsumerRun(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	good, _ := json.Marshal(payload{ID: "a"})
	failing, _ := json.Marshal(payload{ID: "b"})
	r := &fakeReader{
		msgs: []kafka.Message{
			{Offset: 1, Value: good},
			{Offset: 2, Value: []byte("{not json")},
			{Offset: 3, Value: failing},
		},
		cancel: cancel,
	}
	c := &Consumer[payload]{reader: r}

	var handled []string
	err := c.Run(ctx, func(_ context.Context, v payload) error {
		handled = append(handled, v.ID)
		if v.ID == "b" {
			return errors.New("host unreachable")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, handled)
	assert.Equal(t, []int64{1, 2, 3}, r.committed)
}

func TestConfigValidation(t *testing.T) {
	_, err := NewProducer[payload](Config{Topic: "t"})
	assert.Error(t, err)
	_, err = NewProducer[payload](Config{Brokers: []string{"localhost:9092"}})
	assert.Error(t, err)
	_, err = NewConsumer[payload](Config{Brokers: []string{"localhost:9092"}, Topic: "t"})
	assert.ErrorContains(t, err, "group id")

	p, err := NewProducer[payload](Config{Brokers: []string{"localhost:9092"}, Topic: "t"})
	require.NoError(t, err)
	assert.NoError(t, p.Close())
}
