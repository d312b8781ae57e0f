package analytics

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/Adithya-Monish-Kumar-K/Span-Attribution-Service/pkg/postgres"
)

const (
	createSnapshots = `
CREATE TABLE IF NOT EXISTS attribution_snapshots (
    id          BIGSERIAL PRIMARY KEY,
    data        JSONB NOT NULL,
    captured_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`
	createSnapshotsIndex = `
CREATE INDEX IF NOT EXISTS attribution_snapshots_captured_at
    ON attribution_snapshots (captured_at DESC)`

	insertSnapshot = `INSERT INTO attribution_snapshots (data, captured_at) VALUES ($1, $2)`
	selectRecent   = `SELECT data FROM attribution_snapshots ORDER BY captured_at DESC, id DESC LIMIT $1`
	pruneSnapshots = `
DELETE FROM attribution_snapshots WHERE id NOT IN (
    SELECT id FROM attribution_snapshots ORDER BY captured_at DESC, id DESC LIMIT $1
)`
)

// Store keeps a history of aggregator snapshots in PostgreSQL. Each snapshot
// is the AggregatedStats document at capture time.
type Store struct {
	db        *postgres.Client
	retention int
	logger    *slog.Logger
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithRetention keeps only the newest n snapshots. Zero keeps all.
func WithRetention(n int) StoreOption {
	return func(s *Store) { s.retention = max(n, 0) }
}

func NewStore(db *postgres.Client, opts ...StoreOption) *Store {
	s := &Store{db: db, logger: slog.Default().With("component", "analytics-store")}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// EnsureSchema creates the snapshot table and its index.
func (s *Store) EnsureSchema(ctx context.Context) error {
	for _, stmt := range []string{createSnapshots, createSnapshotsIndex} {
		if _, err := s.db.DB.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("creating snapshot schema: %w", err)
		}
	}
	return nil
}

// SaveSnapshot stores stats and prunes snapshots past the retention limit in
// the same transaction.
func (s *Store) SaveSnapshot(ctx context.Context, stats AggregatedStats) error {
	data, err := json.Marshal(stats)
	if err != nil {
		return fmt.Errorf("encoding snapshot: %w", err)
	}
	var pruned int64
	err = s.db.InTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, insertSnapshot, data, time.Now().UTC()); err != nil {
			return fmt.Errorf("inserting snapshot: %w", err)
		}
		if s.retention == 0 {
			return nil
		}
		res, err := tx.ExecContext(ctx, pruneSnapshots, s.retention)
		if err != nil {
			return fmt.Errorf("pruning snapshots: %w", err)
		}
		pruned, _ = res.RowsAffected()
		return nil
	})
	if err != nil {
		return err
	}
	s.logger.Debug("analytics snapshot saved",
		"total_attributions", stats.TotalAttributions,
		"pruned", pruned,
	)
	return nil
}

// LatestSnapshot returns the newest snapshot, or nil when none exist.
func (s *Store) LatestSnapshot(ctx context.Context) (*AggregatedStats, error) {
	snaps, err := s.ListSnapshots(ctx, 1)
	if err != nil || len(snaps) == 0 {
		return nil, err
	}
	return &snaps[0], nil
}

// ListSnapshots returns up to limit snapshots, newest first. Rows that no
// longer decode are skipped.
func (s *Store) ListSnapshots(ctx context.Context, limit int) ([]AggregatedStats, error) {
	if limit <= 0 {
		return []AggregatedStats{}, nil
	}
	rows, err := s.db.DB.QueryContext(ctx, selectRecent, limit)
	if err != nil {
		return nil, fmt.Errorf("querying snapshots: %w", err)
	}
	defer rows.Close()

	out := make([]AggregatedStats, 0, limit)
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scanning snapshot: %w", err)
		}
		var st AggregatedStats
		if err := json.Unmarshal(data, &st); err != nil {
			s.logger.Warn("skipping undecodable snapshot", "error", err)
			continue
		}
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading snapshots: %w", err)
	}
	return out, nil
}

// StartPeriodicSave snapshots agg every interval in the background. Once ctx
// ends it writes one last snapshot with a short deadline of its own.
func (s *Store) StartPeriodicSave(ctx context.Context, agg *Aggregator, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	go s.saveLoop(ctx, agg, interval)
	s.logger.Info("periodic snapshots enabled", "interval", interval, "retention", s.retention)
}

func (s *Store) saveLoop(ctx context.Context, agg *Aggregator, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := s.SaveSnapshot(ctx, agg.Stats()); err != nil {
				s.logger.Error("periodic snapshot failed", "error", err)
			}
		case <-ctx.Done():
			final, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			if err := s.SaveSnapshot(final, agg.Stats()); err != nil {
				s.logger.Error("final snapshot failed", "error", err)
			}
			cancel()
			return
		}
	}
}
