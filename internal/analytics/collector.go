package analytics

import (
	"context"
	"log/slog"
	"time"

	"github.com/Adithya-Monish-Kumar-K/Span-Attribution-Service/pkg/kafka"
)

// Collector buffers events in a channel and publishes them in batches, when
// a batch fills or the flush interval elapses. Track never blocks; events
// are dropped when the buffer is full.
type Collector struct {
	publisher     kafka.Publisher
	eventCh       chan any
	batchSize     int
	flushInterval time.Duration
	logger        *slog.Logger
	done          chan struct{}
}

// NewCollector creates a Collector publishing through publisher.
func NewCollector(publisher kafka.Publisher, bufferSize int) *Collector {
	if bufferSize <= 0 {
		bufferSize = 10000
	}
	return &Collector{
		publisher:     publisher,
		eventCh:       make(chan any, bufferSize),
		batchSize:     100,
		flushInterval: time.Second,
		logger:        slog.Default().With("component", "analytics-collector"),
		done:          make(chan struct{}),
	}
}

// Start launches the publish loop. It returns immediately.
func (c *Collector) Start(ctx context.Context) {
	go func() {
		defer close(c.done)
		ticker := time.NewTicker(c.flushInterval)
		defer ticker.Stop()
		batch := make([]kafka.Event, 0, c.batchSize)
		flush := func(ctx context.Context) {
			if len(batch) == 0 {
				return
			}
			if err := c.publisher.PublishBatch(ctx, batch); err != nil {
				c.logger.Error("failed to publish analytics events", "events", len(batch), "error", err)
			}
			batch = batch[:0]
		}
		for {
			select {
			case event, ok := <-c.eventCh:
				if !ok {
					flush(context.Background())
					return
				}
				batch = append(batch, kafka.Event{Key: eventKey(event), Value: event})
				if len(batch) >= c.batchSize {
					flush(ctx)
				}
			case <-ticker.C:
				flush(ctx)
			case <-ctx.Done():
				c.drainRemaining(batch)
				return
			}
		}
	}()
	c.logger.Info("analytics collector started", "buffer_size", cap(c.eventCh), "batch_size", c.batchSize)
}

// Track enqueues an event for publishing.
func (c *Collector) Track(event any) {
	select {
	case c.eventCh <- event:
	default:
		c.logger.Warn("analytics event dropped (buffer full)")
	}
}

// Close stops accepting events and waits for the publish loop to finish.
func (c *Collector) Close() {
	close(c.eventCh)
	<-c.done
}

// Buffered returns the number of events waiting to be published.
func (c *Collector) Buffered() int {
	return len(c.eventCh)
}

func (c *Collector) drainRemaining(batch []kafka.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		select {
		case event, ok := <-c.eventCh:
			if !ok {
				c.publishRemaining(ctx, batch)
				return
			}
			batch = append(batch, kafka.Event{Key: eventKey(event), Value: event})
		default:
			c.publishRemaining(ctx, batch)
			return
		}
	}
}

func (c *Collector) publishRemaining(ctx context.Context, batch []kafka.Event) {
	if len(batch) == 0 {
		return
	}
	if err := c.publisher.PublishBatch(ctx, batch); err != nil {
		c.logger.Error("failed to publish remaining events", "events", len(batch), "error", err)
	}
}

// eventKey partitions events by index so per-index ordering is kept.
func eventKey(event any) string {
	switch e := event.(type) {
	case AttributionEvent:
		return e.Index
	case IndexEvent:
		return e.Index
	default:
		return "analytics"
	}
}

// Tee forwards every event to each of its trackers in order.
type Tee []interface{ Track(event any) }

func (t Tee) Track(event any) {
	for _, tr := range t {
		tr.Track(event)
	}
}
