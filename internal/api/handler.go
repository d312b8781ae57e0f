// Package api exposes attribution over HTTP: the v1 and v2 attribution
// routes, index listing and reload, and cache administration.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/Adithya-Monish-Kumar-K/Span-Attribution-Service/internal/analytics"
	"github.com/Adithya-Monish-Kumar-K/Span-Attribution-Service/internal/attribution"
	"github.com/Adithya-Monish-Kumar-K/Span-Attribution-Service/internal/cache"
	"github.com/Adithya-Monish-Kumar-K/Span-Attribution-Service/internal/corpus"
	"github.com/Adithya-Monish-Kumar-K/Span-Attribution-Service/internal/response"
	apperrors "github.com/Adithya-Monish-Kumar-K/Span-Attribution-Service/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/Span-Attribution-Service/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/Span-Attribution-Service/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/Span-Attribution-Service/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/Span-Attribution-Service/pkg/tracing"
)

// defaultMaxBodyBytes bounds request bodies; responses are capped at 100000
// characters, which is at most 400000 bytes of UTF-8 plus parameters.
const defaultMaxBodyBytes = 1 << 20

// Attributor runs attributions. *attribution.Service implements it.
type Attributor interface {
	Params(req *attribution.Request) (attribution.Params, error)
	Attribute(ctx context.Context, index, text string, p attribution.Params) (*attribution.Result, error)
}

// Indexes is the index registry as seen by the API.
type Indexes interface {
	Has(name string) bool
	List() []corpus.Status
	Reload(name string) (corpus.Status, error)
}

type Handler struct {
	svc           Attributor
	indexes       Indexes
	cache         *cache.ResponseCache
	invalidations kafka.Publisher
	tracker       attribution.Tracker
	sampler       *tracing.Sampler
	metrics       *metrics.Metrics
	maxBodyBytes  int64
	logger        *slog.Logger
}

// Option configures a Handler.
type Option func(*Handler)

// WithCache serves and stores rendered responses through c.
func WithCache(c *cache.ResponseCache) Option {
	return func(h *Handler) { h.cache = c }
}

// WithInvalidationPublisher broadcasts cache invalidations after a reload.
func WithInvalidationPublisher(p kafka.Publisher) Option {
	return func(h *Handler) { h.invalidations = p }
}

// WithTracker emits analytics events for cache hits. Misses are tracked by
// the attribution service.
func WithTracker(t attribution.Tracker) Option {
	return func(h *Handler) { h.tracker = t }
}

// WithSampler logs the span trees of sampled requests.
func WithSampler(s *tracing.Sampler) Option {
	return func(h *Handler) { h.sampler = s }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(h *Handler) { h.metrics = m }
}

func WithMaxBodyBytes(n int64) Option {
	return func(h *Handler) { h.maxBodyBytes = n }
}

func NewHandler(svc Attributor, indexes Indexes, opts ...Option) *Handler {
	h := &Handler{
		svc:          svc,
		indexes:      indexes,
		maxBodyBytes: defaultMaxBodyBytes,
		logger:       slog.Default().With("component", "attribution-api"),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// AttributionV1 handles POST /{index}/attribution.
func (h *Handler) AttributionV1(w http.ResponseWriter, r *http.Request) {
	h.attribute(w, r, cache.V1)
}

// AttributionV2 handles POST /{index}/attribution/v2.
func (h *Handler) AttributionV2(w http.ResponseWriter, r *http.Request) {
	h.attribute(w, r, cache.V2)
}

func (h *Handler) attribute(w http.ResponseWriter, r *http.Request, version cache.Version) {
	start := time.Now()
	index := r.PathValue("index")
	ctx, span := tracing.StartSampledSpan(r.Context(), h.sampler, "attribution-request", logger.RequestID(r.Context()))
	log := logger.FromContext(ctx).With("component", "attribution-api")
	defer span.Finish(log)
	span.SetAttr("index", index)
	span.SetAttr("version", string(version))

	if !h.indexes.Has(index) {
		h.writeError(w, apperrors.Newf(apperrors.ErrIndexNotFound, 0, "unknown index %q", index))
		return
	}

	var req attribution.Request
	if err := h.decode(w, r, &req); err != nil {
		h.writeError(w, err)
		return
	}
	p, err := h.svc.Params(&req)
	if err != nil {
		h.writeError(w, err)
		return
	}

	compute := func(ctx context.Context) ([]byte, error) {
		res, err := h.svc.Attribute(ctx, index, req.Response, p)
		if err != nil {
			return nil, err
		}
		return render(version, res)
	}

	var body []byte
	hit := false
	if h.cache != nil {
		key, kerr := cache.Key(version, index, p, req.Response)
		if kerr != nil {
			h.writeError(w, fmt.Errorf("%w: %v", apperrors.ErrInternal, kerr))
			return
		}
		body, hit, err = h.cache.GetOrCompute(ctx, key, compute)
	} else {
		body, err = compute(ctx)
	}
	if err != nil {
		h.writeError(w, err)
		return
	}

	span.SetAttr("cache_hit", hit)
	if hit {
		h.recordHit(ctx, index, version, req.Response, time.Since(start))
	}
	w.Header().Set("Content-Type", "application/json")
	if h.cache != nil {
		w.Header().Set(CacheHeader, cacheStatus(hit))
	}
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(body); err != nil {
		log.Error("failed to write response", "error", err)
	}
}

// CacheHeader reports whether an attribution response came from the cache.
const CacheHeader = "X-Cache"

func cacheStatus(hit bool) string {
	if hit {
		return "HIT"
	}
	return "MISS"
}

func render(version cache.Version, res *attribution.Result) ([]byte, error) {
	var v any
	if version == cache.V2 {
		v = response.V2(res)
	} else {
		v = response.V1(res)
	}
	body, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: encoding %s response: %v", apperrors.ErrInternal, version, err)
	}
	return body, nil
}

func (h *Handler) recordHit(ctx context.Context, index string, version cache.Version, text string, latency time.Duration) {
	logger.FromContext(ctx).Info("attribution served from cache",
		"index", index,
		"version", string(version),
		"latency_ms", latency.Milliseconds(),
	)
	if h.metrics != nil {
		h.metrics.AttributionRequestsTotal.WithLabelValues(index, "cached").Inc()
		h.metrics.AttributionLatency.WithLabelValues(index, "hit").Observe(latency.Seconds())
	}
	if h.tracker != nil {
		h.tracker.Track(analytics.AttributionEvent{
			Type:          analytics.EventCacheHit,
			Index:         index,
			Version:       string(version),
			ResponseChars: len([]rune(text)),
			Outcome:       "ok",
			LatencyMs:     latency.Milliseconds(),
			CacheHit:      true,
			Timestamp:     time.Now().UTC(),
			RequestID:     logger.RequestID(ctx),
		})
	}
}

// errMalformedBody marks a body that is not a JSON request object.
var errMalformedBody = errors.New("malformed request body")

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, h.maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return apperrors.Newf(errMalformedBody, http.StatusRequestEntityTooLarge, "request body exceeds %d bytes", maxErr.Limit)
		}
		return apperrors.Newf(errMalformedBody, http.StatusBadRequest, "invalid JSON: %v", err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return apperrors.New(errMalformedBody, http.StatusBadRequest, "unexpected data after JSON object")
	}
	return nil
}

// ListIndexes handles GET /indexes.
func (h *Handler) ListIndexes(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]any{"indexes": h.indexes.List()})
}

// ReloadIndex handles POST /api/v1/indexes/{index}/reload. Cached responses
// of the index are dropped locally and, with Kafka, on every other process.
func (h *Handler) ReloadIndex(w http.ResponseWriter, r *http.Request) {
	index := r.PathValue("index")
	st, err := h.indexes.Reload(index)
	if err != nil {
		h.writeError(w, err)
		return
	}
	ctx := r.Context()
	log := logger.FromContext(ctx)
	if h.cache != nil {
		if _, err := h.cache.Invalidate(ctx, index); err != nil {
			log.Warn("local cache invalidation failed", "index", index, "error", err)
		}
	}
	if h.invalidations != nil {
		if err := cache.PublishInvalidation(ctx, h.invalidations, index, "reload"); err != nil {
			log.Warn("cache invalidation broadcast failed", "index", index, "error", err)
		}
	}
	log.Info("index reloaded", "index", index, "documents", st.Documents)
	h.writeJSON(w, http.StatusOK, st)
}

// CacheStats handles GET /api/v1/cache/stats.
func (h *Handler) CacheStats(w http.ResponseWriter, r *http.Request) {
	if h.cache == nil {
		h.writeJSON(w, http.StatusOK, map[string]string{"status": "disabled"})
		return
	}
	h.writeJSON(w, http.StatusOK, h.cache.Stats(r.Context()))
}

// CacheInvalidate handles POST /api/v1/cache/invalidate. ?index=name limits
// the invalidation to one index.
func (h *Handler) CacheInvalidate(w http.ResponseWriter, r *http.Request) {
	if h.cache == nil {
		h.writeError(w, apperrors.New(apperrors.ErrIndexUnavailable, http.StatusServiceUnavailable, "caching is disabled"))
		return
	}
	index := r.URL.Query().Get("index")
	if index != "" && !h.indexes.Has(index) {
		h.writeError(w, apperrors.Newf(apperrors.ErrIndexNotFound, 0, "unknown index %q", index))
		return
	}
	deleted, err := h.cache.Invalidate(r.Context(), index)
	if err != nil {
		h.logger.Error("cache invalidation failed", "error", err)
		h.writeError(w, fmt.Errorf("%w: %v", apperrors.ErrInternal, err))
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"status": "invalidated", "keys_deleted": deleted})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to write response", "error", err)
	}
}
