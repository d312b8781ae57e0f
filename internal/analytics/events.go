// Package analytics collects attribution events, publishes them to Kafka and
// aggregates them into service-wide statistics.
package analytics

import "time"

type EventType string

const (
	EventAttribution EventType = "attribution"
	EventCacheHit    EventType = "cache_hit"
	EventZeroResult  EventType = "zero_result"
	EventIndexState  EventType = "index_state"
)

// AttributionEvent describes one attribution request, computed or served
// from cache.
type AttributionEvent struct {
	Type          EventType `json:"type"`
	Index         string    `json:"index"`
	Version       string    `json:"version,omitempty"`
	ResponseChars int       `json:"response_chars"`
	Spans         int       `json:"spans"`
	NestedSpans   int       `json:"nested_spans"`
	Documents     int       `json:"documents"`
	Outcome       string    `json:"outcome"`
	LatencyMs     int64     `json:"latency_ms"`
	CacheHit      bool      `json:"cache_hit"`
	Timestamp     time.Time `json:"timestamp"`
	RequestID     string    `json:"request_id,omitempty"`
}

// IndexEvent records a state change of a corpus index.
type IndexEvent struct {
	Type      EventType `json:"type"`
	Index     string    `json:"index"`
	State     string    `json:"state"`
	Documents int64     `json:"documents"`
	Timestamp time.Time `json:"timestamp"`
}

// envelope is decoded first to dispatch on the event type.
type envelope struct {
	Type EventType `json:"type"`
}
