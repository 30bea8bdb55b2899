package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/fyrsmithlabs/cognitd/internal/assembler"
)

// Append stores a turn with the next sequence number of its conversation.
func (s *Store) Append(ctx context.Context, turn assembler.Turn) (assembler.Turn, error) {
	if turn.ConversationID == "" || !turn.Role.Valid() {
		return assembler.Turn{}, assembler.ErrInvalidTurn
	}
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = s.now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return assembler.Turn{}, fmt.Errorf("beginning append: %w", err)
	}
	defer tx.Rollback()

	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM turns WHERE conversation_id = ?`,
		turn.ConversationID).Scan(&turn.Seq); err != nil {
		return assembler.Turn{}, fmt.Errorf("allocating turn sequence: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO turns (conversation_id, seq, role, text, tokens, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		turn.ConversationID, turn.Seq, string(turn.Role), turn.Text, turn.Tokens, unixNano(turn.CreatedAt),
	); err != nil {
		return assembler.Turn{}, fmt.Errorf("appending turn: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return assembler.Turn{}, fmt.Errorf("committing turn: %w", err)
	}
	return turn, nil
}

// Turns returns all turns of a conversation, oldest first.
func (s *Store) Turns(ctx context.Context, conversationID string) ([]assembler.Turn, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, role, text, tokens, created_at FROM turns
		WHERE conversation_id = ? ORDER BY seq ASC`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("loading turns: %w", err)
	}
	defer rows.Close()

	var out []assembler.Turn
	for rows.Next() {
		t := assembler.Turn{ConversationID: conversationID}
		var (
			role      string
			createdAt int64
		)
		if err := rows.Scan(&t.Seq, &role, &t.Text, &t.Tokens, &createdAt); err != nil {
			return nil, err
		}
		t.Role = assembler.Role(role)
		t.CreatedAt = fromUnixNano(createdAt)
		out = append(out, t)
	}
	return out, rows.Err()
}

// Summary returns the stored summary or nil when there is none.
func (s *Store) Summary(ctx context.Context, conversationID string) (*assembler.Summary, error) {
	sum := assembler.Summary{ConversationID: conversationID}
	var updatedAt int64
	err := s.db.QueryRowContext(ctx, `
		SELECT text, covered_turns, updated_at FROM summaries WHERE conversation_id = ?`,
		conversationID).Scan(&sum.Text, &sum.CoveredTurns, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading summary: %w", err)
	}
	sum.UpdatedAt = fromUnixNano(updatedAt)
	return &sum, nil
}

// SaveSummary replaces the stored summary.
func (s *Store) SaveSummary(ctx context.Context, sum assembler.Summary) error {
	if sum.ConversationID == "" {
		return assembler.ErrInvalidTurn
	}
	if sum.UpdatedAt.IsZero() {
		sum.UpdatedAt = s.now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO summaries (conversation_id, text, covered_turns, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (conversation_id) DO UPDATE SET
			text = excluded.text,
			covered_turns = excluded.covered_turns,
			updated_at = excluded.updated_at`,
		sum.ConversationID, sum.Text, sum.CoveredTurns, unixNano(sum.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("saving summary: %w", err)
	}
	return nil
}

// Delete removes the turns and summary of a conversation.
func (s *Store) Delete(ctx context.Context, conversationID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning delete: %w", err)
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM turns WHERE conversation_id = ?`, conversationID); err != nil {
		return fmt.Errorf("deleting turns: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM summaries WHERE conversation_id = ?`, conversationID); err != nil {
		return fmt.Errorf("deleting summary: %w", err)
	}
	return tx.Commit()
}

var _ assembler.History = (*Store)(nil)
