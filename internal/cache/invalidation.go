package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/Adithya-Monish-Kumar-K/Span-Attribution-Service/pkg/kafka"
)

// InvalidationMessage asks every process to drop cached responses of Index,
// or of all indexes when Index is empty.
type InvalidationMessage struct {
	Index     string    `json:"index"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

// PublishInvalidation broadcasts an invalidation for index.
func PublishInvalidation(ctx context.Context, pub kafka.Publisher, index, reason string) error {
	msg := InvalidationMessage{Index: index, Reason: reason, Timestamp: time.Now().UTC()}
	if err := pub.Publish(ctx, kafka.Event{Key: index, Value: msg}); err != nil {
		return fmt.Errorf("publishing cache invalidation for %q: %w", index, err)
	}
	return nil
}

// InvalidationHandler applies invalidation messages to c. Undecodable
// messages are skipped.
func InvalidationHandler(c *ResponseCache) kafka.MessageHandler {
	return func(ctx context.Context, key []byte, value []byte) error {
		msg, err := kafka.DecodeJSON[InvalidationMessage](value)
		if err != nil {
			c.logger.Error("failed to decode invalidation message", "error", err)
			return kafka.ErrSkip
		}
		if _, err := c.Invalidate(ctx, msg.Index); err != nil {
			return err
		}
		c.logger.Info("applied cache invalidation", "index", msg.Index, "reason", msg.Reason)
		return nil
	}
}
