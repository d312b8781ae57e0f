package kafka

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Adithya-Monish-Kumar-K/Span-Attribution-Service/pkg/resilience"
)

// fakeReader serves queued messages, then blocks until ctx is done.
type fakeReader struct {
	mu        sync.Mutex
	queue     []kafka.Message
	fetchErrs []error
	committed []int64
	closed    bool
	drained   chan struct{}
}

func newFakeReader(msgs ...kafka.Message) *fakeReader {
	return &fakeReader{queue: msgs, drained: make(chan struct{})}
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if len(r.fetchErrs) > 0 {
		err := r.fetchErrs[0]
		r.fetchErrs = r.fetchErrs[1:]
		r.mu.Unlock()
		return kafka.Message{}, err
	}
	if len(r.queue) > 0 {
		msg := r.queue[0]
		r.queue = r.queue[1:]
		r.mu.Unlock()
		return msg, nil
	}
	r.mu.Unlock()
	select {
	case <-r.drained:
	default:
		close(r.drained)
	}
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func runConsumer(t *testing.T, r *fakeReader, handler MessageHandler, opts ...ConsumerOption) {
	t.Helper()
	opts = append([]ConsumerOption{
		WithHandlerRetry(resilience.RetryConfig{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond}),
		WithFetchBackoff(time.Millisecond, 2*time.Millisecond),
	}, opts...)
	c := newConsumer(r, handler, slog.Default(), opts...)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Start(ctx) }()
	select {
	case <-r.drained:
	case <-time.After(5 * time.Second):
		t.Fatal("consumer did not drain the queue")
	}
	cancel()
	require.NoError(t, <-done)
	assert.True(t, r.closed)
}

func TestConsumerCommitsHandledMessages(t *testing.T) {
	r := newFakeReader(
		kafka.Message{Offset: 1, Key: []byte("a"), Value: []byte(`{"n":1}`)},
		kafka.Message{Offset: 2, Key: []byte("b"), Value: []byte(`{"n":2}`)},
	)
	var keys []string
	runConsumer(t, r, func(_ context.Context, key, _ []byte) error {
		keys = append(keys, string(key))
		return nil
	})
	assert.Equal(t, []string{"a", "b"}, keys)
	assert.Equal(t, []int64{1, 2}, r.committed)
}

func TestConsumerRetriesThenDrops(t *testing.T) {
	r := newFakeReader(kafka.Message{Offset: 7}, kafka.Message{Offset: 8})
	attempts := 0
	runConsumer(t, r, func(context.Context, []byte, []byte) error {
		attempts++
		return errors.New("boom")
	})
	assert.Equal(t, 6, attempts)
	assert.Equal(t, []int64{7, 8}, r.committed)
}

func TestConsumerRetryRecovers(t *testing.T) {
	r := newFakeReader(kafka.Message{Offset: 3})
	attempts := 0
	runConsumer(t, r, func(context.Context, []byte, []byte) error {
		attempts++
		if attempts < 2 {
			return errors.New("transient")
		}
		return nil
	})
	assert.Equal(t, 2, attempts)
	assert.Equal(t, []int64{3}, r.committed)
}

func TestConsumerSkipIsNotRetried(t *testing.T) {
	r := newFakeReader(kafka.Message{Offset: 4})
	attempts := 0
	runConsumer(t, r, func(context.Context, []byte, []byte) error {
		attempts++
		return ErrSkip
	})
	assert.Equal(t, 1, attempts)
	assert.Equal(t, []int64{4}, r.committed)
}

func TestConsumerBacksOffOnFetchErrors(t *testing.T) {
	r := newFakeReader(kafka.Message{Offset: 9})
	r.fetchErrs = []error{errors.New("broker down"), errors.New("broker down")}
	handled := 0
	runConsumer(t, r, func(context.Context, []byte, []byte) error {
		handled++
		return nil
	})
	assert.Equal(t, 1, handled)
	assert.Equal(t, []int64{9}, r.committed)
}

type fakeWriter struct {
	msgs []kafka.Message
	err  error
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

func TestProducerEncodesEvents(t *testing.T) {
	w := &fakeWriter{}
	p := newProducer(w, "attribution-api", slog.Default())

	err := p.PublishBatch(context.Background(), []Event{
		{Key: "idx", Value: map[string]int{"n": 1}},
		{Key: "idx", Value: map[string]int{"n": 2}},
	})
	require.NoError(t, err)
	require.Len(t, w.msgs, 2)
	assert.Equal(t, []byte("idx"), w.msgs[0].Key)
	assert.JSONEq(t, `{"n":2}`, string(w.msgs[1].Value))
	assert.Contains(t, w.msgs[0].Headers, kafka.Header{Key: "source", Value: []byte("attribution-api")})

	require.NoError(t, p.Publish(context.Background(), Event{Key: "k", Value: "v"}))
	assert.Len(t, w.msgs, 3)
	require.NoError(t, p.PublishBatch(context.Background(), nil))
	assert.Len(t, w.msgs, 3)
}

func TestProducerRejectsUnencodableBatch(t *testing.T) {
	w := &fakeWriter{}
	p := newProducer(w, "", slog.Default())
	err := p.PublishBatch(context.Background(), []Event{
		{Key: "ok", Value: 1},
		{Key: "bad", Value: make(chan int)},
	})
	assert.Error(t, err)
	assert.Empty(t, w.msgs)
}

func TestProducerWrapsWriteErrors(t *testing.T) {
	cause := errors.New("no leader")
	p := newProducer(&fakeWriter{err: cause}, "", slog.Default())
	err := p.Publish(context.Background(), Event{Key: "k", Value: 1})
	assert.ErrorIs(t, err, cause)
	assert.NoError(t, Discard.Publish(context.Background(), Event{}))
}

func TestDecodeJSON(t *testing.T) {
	type msg struct {
		Index string `json:"index"`
	}
	got, err := DecodeJSON[msg]([]byte(`{"index":"tulu"}`))
	require.NoError(t, err)
	assert.Equal(t, "tulu", got.Index)

	_, err = DecodeJSON[msg]([]byte(`{`))
	assert.Error(t, err)
}
