package api

import (
	"net/http"
	"time"

	"github.com/Adithya-Monish-Kumar-K/Span-Attribution-Service/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/Span-Attribution-Service/pkg/middleware"
)

// Routes holds the optional handlers mounted next to the attribution API.
type Routes struct {
	Analytics   http.HandlerFunc
	Live        http.HandlerFunc
	Ready       http.HandlerFunc
	RateLimit   func(http.Handler) http.Handler
	Metrics     *metrics.Metrics
	HTTPTimeout time.Duration
}

// NewRouter builds the route table and the middleware chain.
func NewRouter(h *Handler, rt Routes) http.Handler {
	limited := func(fn http.HandlerFunc) http.Handler {
		if rt.RateLimit == nil {
			return fn
		}
		return rt.RateLimit(fn)
	}

	mux := http.NewServeMux()
	mux.Handle("POST /{index}/attribution", limited(h.AttributionV1))
	mux.Handle("POST /{index}/attribution/v2", limited(h.AttributionV2))
	mux.HandleFunc("GET /indexes", h.ListIndexes)
	mux.HandleFunc("POST /api/v1/indexes/{index}/reload", h.ReloadIndex)
	mux.HandleFunc("GET /api/v1/cache/stats", h.CacheStats)
	mux.HandleFunc("POST /api/v1/cache/invalidate", h.CacheInvalidate)
	if rt.Analytics != nil {
		mux.HandleFunc("GET /api/v1/analytics", rt.Analytics)
	}
	if rt.Live != nil {
		mux.HandleFunc("GET /health/live", rt.Live)
	}
	if rt.Ready != nil {
		mux.HandleFunc("GET /health/ready", rt.Ready)
	}

	chain := middleware.Routed(mux)
	if rt.HTTPTimeout > 0 {
		chain = middleware.Timeout(rt.HTTPTimeout)(chain)
	}
	if rt.Metrics != nil {
		chain = middleware.Metrics(rt.Metrics)(chain)
	}
	chain = middleware.RequestID(chain)
	return chain
}
