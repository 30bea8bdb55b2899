package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/cognitd/internal/router"
)

const decisionColumns = `id, task_type, candidates, provider, model, was_exploration, attempt, parent_id,
	observation, created_at, latency_ms, token_cost, success, reward, reason, resolved_at`

// Create writes a new unresolved decision.
func (s *Store) Create(ctx context.Context, d *router.Decision) error {
	candidates, err := json.Marshal(d.Candidates)
	if err != nil {
		return fmt.Errorf("encoding candidates: %w", err)
	}
	createdAt := d.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now()
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO decisions (id, task_type, candidates, provider, model, was_exploration, attempt, parent_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.TaskType, string(candidates), d.Selected.Provider, d.Selected.Model,
		d.Exploration, d.Attempt, d.ParentID, unixNano(createdAt),
	)
	if err != nil {
		return fmt.Errorf("creating decision %s: %w", d.ID, err)
	}
	return nil
}

// Get returns a decision or router.ErrDecisionNotFound.
func (s *Store) Get(ctx context.Context, id string) (*router.Decision, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+decisionColumns+` FROM decisions WHERE id = ?`, id)
	d, err := scanDecision(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", router.ErrDecisionNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("loading decision %s: %w", id, err)
	}
	return d, nil
}

// Observe attaches an observation to an unresolved decision.
func (s *Store) Observe(ctx context.Context, id string, obs router.Observation) error {
	data, err := json.Marshal(obs)
	if err != nil {
		return fmt.Errorf("encoding observation: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE decisions SET observation = ? WHERE id = ? AND reward IS NULL`, string(data), id)
	if err != nil {
		return fmt.Errorf("observing decision %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	found, err := s.decisionExists(ctx, id)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("%w: %s", router.ErrDecisionNotFound, id)
	}
	return router.ErrAlreadyResolved
}

// Resolve sets the reward if it is still unset. The WHERE clause is the
// compare-and-set: only one caller can move a decision out of the
// unresolved state.
func (s *Store) Resolve(ctx context.Context, id string, r router.Resolution) (bool, error) {
	resolvedAt := r.ResolvedAt
	if resolvedAt.IsZero() {
		resolvedAt = s.now()
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE decisions
		SET reward = ?, reason = ?, success = ?, latency_ms = ?, token_cost = ?, resolved_at = ?
		WHERE id = ? AND reward IS NULL`,
		r.Reward, string(r.Reason), r.Success, r.LatencyMs, r.TokenCost, unixNano(resolvedAt), id,
	)
	if err != nil {
		return false, fmt.Errorf("resolving decision %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 1 {
		return true, nil
	}
	found, err := s.decisionExists(ctx, id)
	if err != nil {
		return false, err
	}
	if !found {
		return false, fmt.Errorf("%w: %s", router.ErrDecisionNotFound, id)
	}
	return false, nil
}

// Unresolved lists unresolved decisions created before cutoff, oldest first.
func (s *Store) Unresolved(ctx context.Context, cutoff time.Time, limit int) ([]*router.Decision, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+decisionColumns+` FROM decisions
		WHERE reward IS NULL AND created_at < ?
		ORDER BY created_at ASC, id ASC
		LIMIT ?`, unixNano(cutoff), limit)
	if err != nil {
		return nil, fmt.Errorf("listing unresolved decisions: %w", err)
	}
	defer rows.Close()

	var out []*router.Decision
	for rows.Next() {
		d, err := scanDecision(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// CountDecisions returns the number of decisions and how many are resolved.
func (s *Store) CountDecisions(ctx context.Context) (total, resolved int64, err error) {
	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COUNT(reward) FROM decisions`).Scan(&total, &resolved)
	return total, resolved, err
}

func (s *Store) decisionExists(ctx context.Context, id string) (bool, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM decisions WHERE id = ?`, id).Scan(&n); err != nil {
		return false, fmt.Errorf("checking decision %s: %w", id, err)
	}
	return n > 0, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDecision(row rowScanner) (*router.Decision, error) {
	var (
		d           router.Decision
		candidates  string
		observation sql.NullString
		createdAt   int64
		reward      sql.NullFloat64
		reason      string
		resolvedAt  sql.NullInt64
	)
	err := row.Scan(&d.ID, &d.TaskType, &candidates, &d.Selected.Provider, &d.Selected.Model,
		&d.Exploration, &d.Attempt, &d.ParentID, &observation, &createdAt,
		&d.LatencyMs, &d.TokenCost, &d.Success, &reward, &reason, &resolvedAt)
	if err != nil {
		return nil, err
	}
	d.CreatedAt = fromUnixNano(createdAt)
	d.Reason = router.Reason(reason)
	if err := json.Unmarshal([]byte(candidates), &d.Candidates); err != nil {
		return nil, fmt.Errorf("decoding candidates of %s: %w", d.ID, err)
	}
	if observation.Valid {
		var obs router.Observation
		if err := json.Unmarshal([]byte(observation.String), &obs); err != nil {
			return nil, fmt.Errorf("decoding observation of %s: %w", d.ID, err)
		}
		d.Observation = &obs
	}
	if reward.Valid {
		r := reward.Float64
		d.Reward = &r
	}
	if resolvedAt.Valid {
		t := fromUnixNano(resolvedAt.Int64)
		d.ResolvedAt = &t
	}
	return &d, nil
}

var _ router.DecisionStore = (*Store)(nil)
