package corpus

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/Adithya-Monish-Kumar-K/Span-Attribution-Service/pkg/config"
	apperrors "github.com/Adithya-Monish-Kumar-K/Span-Attribution-Service/pkg/errors"
)

// State is the serving state of a registered index.
type State int

const (
	StateReady State = iota
	StateUnavailable
	StateCorrupt
)

func (s State) String() string {
	switch s {
	case StateReady:
		return "ready"
	case StateUnavailable:
		return "unavailable"
	case StateCorrupt:
		return "corrupt"
	default:
		return "unknown"
	}
}

// Loader opens the index described by cfg.
type Loader func(cfg config.IndexConfig) (*Index, error)

// StateObserver is notified after every state change of an index.
type StateObserver func(name string, state State, idx *Index)

// Status describes one registered index.
type Status struct {
	Name        string    `json:"name"`
	DisplayName string    `json:"displayName"`
	State       string    `json:"state"`
	Documents   int64     `json:"documents"`
	StreamBytes int64     `json:"streamBytes"`
	LoadedAt    time.Time `json:"loadedAt,omitempty"`
	Reason      string    `json:"reason,omitempty"`
}

type entry struct {
	cfg      config.IndexConfig
	index    *Index
	state    State
	reason   string
	loadedAt time.Time
}

// Registry maps the fixed set of configured index names to loaded indexes.
// Names outside the set are unknown; names in the set whose index failed to
// load, or was found corrupt while serving, are unavailable.
type Registry struct {
	mu       sync.RWMutex
	entries  map[string]*entry
	loader   Loader
	observer StateObserver
	logger   *slog.Logger
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithLoader replaces the default file loader.
func WithLoader(l Loader) RegistryOption {
	return func(r *Registry) { r.loader = l }
}

// WithStateObserver registers a callback for index state changes.
func WithStateObserver(o StateObserver) RegistryOption {
	return func(r *Registry) { r.observer = o }
}

// FileLoader opens the index file at cfg.Path with the display settings from
// cfg.
func FileLoader(cfg config.IndexConfig) (*Index, error) {
	return Open(cfg.Path,
		WithName(cfg.Name),
		WithChecksum(cfg.VerifyChecksum),
		WithDisplay(Display{
			DisplayName:   cfg.DisplayName,
			SecondaryName: cfg.SecondaryName,
			Usage:         cfg.Usage,
		}),
	)
}

// NewRegistry loads every configured index. A missing or invalid file does not
// fail construction; the index is registered as unavailable and can be loaded
// later with Reload.
func NewRegistry(indexes []config.IndexConfig, opts ...RegistryOption) *Registry {
	r := &Registry{
		entries: make(map[string]*entry, len(indexes)),
		loader:  FileLoader,
		logger:  slog.Default().With("component", "index-registry"),
	}
	for _, opt := range opts {
		opt(r)
	}
	for _, cfg := range indexes {
		e := &entry{cfg: cfg}
		r.entries[cfg.Name] = e
		r.apply(e, r.open(cfg))
	}
	r.logger.Info("index registry ready", "indexes", len(r.entries))
	return r
}

// outcome is the result of one load attempt.
type outcome struct {
	index  *Index
	state  State
	reason string
}

// open runs the loader for cfg without touching registry state.
func (r *Registry) open(cfg config.IndexConfig) outcome {
	idx, err := r.loader(cfg)
	switch {
	case err == nil:
		r.logger.Info("index ready", "index", cfg.Name, "documents", idx.DocCount())
		return outcome{index: idx, state: StateReady}
	case errors.Is(err, ErrCorrupt):
		r.logger.Error("index corrupt", "index", cfg.Name, "error", err)
		return outcome{state: StateCorrupt, reason: err.Error()}
	case errors.Is(err, os.ErrNotExist):
		r.logger.Warn("index file missing", "index", cfg.Name, "path", cfg.Path)
		return outcome{state: StateUnavailable, reason: "index file not found"}
	default:
		r.logger.Error("index load failed", "index", cfg.Name, "error", err)
		return outcome{state: StateUnavailable, reason: err.Error()}
	}
}

// apply records o on e. A failed load never replaces a ready index; the
// failure is kept as the reason and the previous index keeps serving. Caller
// holds the write lock or owns e exclusively.
func (r *Registry) apply(e *entry, o outcome) {
	if o.state != StateReady && e.state == StateReady && e.index != nil {
		e.reason = "reload failed: " + o.reason
		r.logger.Warn("reload failed, keeping loaded index", "index", e.cfg.Name, "reason", o.reason)
		return
	}
	e.index = o.index
	e.state = o.state
	e.reason = o.reason
	if o.state == StateReady {
		e.loadedAt = time.Now().UTC()
	}
	r.notify(e)
}

func (r *Registry) notify(e *entry) {
	if r.observer != nil {
		r.observer(e.cfg.Name, e.state, e.index)
	}
}

// Get returns the ready index registered under name.
func (r *Registry) Get(name string) (*Index, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return nil, apperrors.Newf(apperrors.ErrIndexNotFound, 0, "unknown index %q", name)
	}
	if e.state != StateReady || e.index == nil {
		return nil, apperrors.Newf(apperrors.ErrIndexUnavailable, 0, "index %q is %s", name, e.state)
	}
	return e.index, nil
}

// Has reports whether name is one of the configured index names.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[name]
	return ok
}

// MarkCorrupt excludes the named index from further requests. It is a no-op
// when idx is no longer the index registered under name, so a stale report
// cannot take down a freshly reloaded index.
func (r *Registry) MarkCorrupt(name string, idx *Index, cause error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[name]
	if !ok || e.index != idx || e.state == StateCorrupt {
		return
	}
	e.state = StateCorrupt
	e.reason = cause.Error()
	e.index = nil
	r.logger.Error("index marked corrupt", "index", name, "error", cause)
	r.notify(e)
}

// Reload reopens the named index from its configured path. The file is read
// without holding the registry lock, so other indexes keep serving. In-flight
// requests holding the previous index keep using it, and a failed reload of a
// ready index leaves that index in service.
func (r *Registry) Reload(name string) (Status, error) {
	r.mu.RLock()
	e, ok := r.entries[name]
	var cfg config.IndexConfig
	if ok {
		cfg = e.cfg
	}
	r.mu.RUnlock()
	if !ok {
		return Status{}, apperrors.Newf(apperrors.ErrIndexNotFound, 0, "unknown index %q", name)
	}

	o := r.open(cfg)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.apply(e, o)
	st := e.status()
	if o.state != StateReady {
		return st, apperrors.Newf(apperrors.ErrIndexUnavailable, 0, "reloading index %q: %s", name, o.reason)
	}
	return st, nil
}

// Register installs an already loaded index under its name, replacing any
// previous entry.
func (r *Registry) Register(idx *Index) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[idx.Name()]
	if !ok {
		e = &entry{cfg: config.IndexConfig{Name: idx.Name(), DisplayName: idx.Display().DisplayName}}
		r.entries[idx.Name()] = e
	}
	e.index = idx
	e.state = StateReady
	e.reason = ""
	e.loadedAt = time.Now().UTC()
	r.notify(e)
}

// List returns the status of every registered index, sorted by name.
func (r *Registry) List() []Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Status, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.status())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Name < out[j].Name
	})
	return out
}

// Ready returns the number of indexes in the ready state.
func (r *Registry) Ready() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, e := range r.entries {
		if e.state == StateReady {
			n++
		}
	}
	return n
}

func (e *entry) status() Status {
	st := Status{
		Name:        e.cfg.Name,
		DisplayName: e.cfg.DisplayName,
		State:       e.state.String(),
		Reason:      e.reason,
		LoadedAt:    e.loadedAt,
	}
	if e.index != nil {
		st.Documents = e.index.DocCount()
		st.StreamBytes = e.index.StreamLen()
	}
	return st
}

// String implements fmt.Stringer for log output.
func (s Status) String() string {
	return fmt.Sprintf("%s(%s)", s.Name, s.State)
}
