package storage

import (
	"context"
	"fmt"

	"github.com/fyrsmithlabs/cognitd/internal/ledger"
)

// SaveStat upserts one ledger entry.
func (s *Store) SaveStat(ctx context.Context, key ledger.Key, stat ledger.Stat) error {
	updatedAt := stat.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = s.now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO provider_stats (provider, model, task_type, request_count, success_count,
			avg_latency_ms, avg_reward, selection_weight, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (provider, model, task_type) DO UPDATE SET
			request_count = excluded.request_count,
			success_count = excluded.success_count,
			avg_latency_ms = excluded.avg_latency_ms,
			avg_reward = excluded.avg_reward,
			selection_weight = excluded.selection_weight,
			updated_at = excluded.updated_at`,
		key.Provider, key.Model, key.TaskType, stat.RequestCount, stat.SuccessCount,
		stat.AvgLatencyMs, stat.AvgReward, stat.SelectionWeight, unixNano(updatedAt),
	)
	if err != nil {
		return fmt.Errorf("saving stat %s: %w", key, err)
	}
	return nil
}

// LoadStats returns every persisted ledger entry.
func (s *Store) LoadStats(ctx context.Context) (map[ledger.Key]ledger.Stat, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT provider, model, task_type, request_count, success_count,
			avg_latency_ms, avg_reward, selection_weight, updated_at
		FROM provider_stats`)
	if err != nil {
		return nil, fmt.Errorf("loading stats: %w", err)
	}
	defer rows.Close()

	out := make(map[ledger.Key]ledger.Stat)
	for rows.Next() {
		var (
			k         ledger.Key
			st        ledger.Stat
			updatedAt int64
		)
		if err := rows.Scan(&k.Provider, &k.Model, &k.TaskType, &st.RequestCount, &st.SuccessCount,
			&st.AvgLatencyMs, &st.AvgReward, &st.SelectionWeight, &updatedAt); err != nil {
			return nil, err
		}
		st.UpdatedAt = fromUnixNano(updatedAt)
		out[k] = st
	}
	return out, rows.Err()
}

var _ ledger.Store = (*Store)(nil)
