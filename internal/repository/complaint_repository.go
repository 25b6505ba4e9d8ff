package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/spec-kit/complaint-engine/internal/domain"
)

// ComplaintRepository persists complaints and their append-only history.
type ComplaintRepository interface {
	Save(ctx context.Context, c *domain.Complaint, appended []domain.HistoryEntry) error
	GetByID(ctx context.Context, id string) (*domain.Complaint, error)
	LoadAll(ctx context.Context) ([]*domain.Complaint, error)
}

type complaintRepository struct {
	pool *pgxpool.Pool
}

// NewComplaintRepository builds the repository.
func NewComplaintRepository(pool *pgxpool.Pool) ComplaintRepository {
	return &complaintRepository{pool: pool}
}

const complaintColumns = `id, category, department, priority, status, created_at, ack_deadline,
               resolution_deadline, resolution_stretch, escalation_level, last_transition_at,
               last_escalated_at, closed_at, reopen_count`

// Save upserts the complaint row and inserts the new history entries in one
// transaction. History rows already present are left untouched.
func (r *complaintRepository) Save(ctx context.Context, c *domain.Complaint, appended []domain.HistoryEntry) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	const upsert = `
        INSERT INTO complaints (id, category, department, priority, status, created_at, ack_deadline,
            resolution_deadline, resolution_stretch, escalation_level, last_transition_at,
            last_escalated_at, closed_at, reopen_count)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
        ON CONFLICT (id) DO UPDATE SET status=EXCLUDED.status, ack_deadline=EXCLUDED.ack_deadline,
            resolution_deadline=EXCLUDED.resolution_deadline, escalation_level=EXCLUDED.escalation_level,
            last_transition_at=EXCLUDED.last_transition_at, last_escalated_at=EXCLUDED.last_escalated_at,
            closed_at=EXCLUDED.closed_at, reopen_count=EXCLUDED.reopen_count, updated_at=NOW()`
	if _, err := tx.Exec(ctx, upsert,
		c.ID,
		c.Category,
		c.Department,
		c.Priority,
		c.Status,
		c.CreatedAt,
		c.AckDeadline,
		c.ResolutionDeadline,
		c.ResolutionStretch,
		c.EscalationLevel,
		c.LastTransitionAt,
		c.LastEscalatedAt,
		c.ClosedAt,
		c.ReopenCount,
	); err != nil {
		return fmt.Errorf("upsert complaint %s: %w", c.ID, err)
	}

	if len(appended) > 0 {
		const insertHistory = `
            INSERT INTO complaint_history (complaint_id, sequence, at, kind, actor, detail)
            VALUES ($1,$2,$3,$4,$5,$6)
            ON CONFLICT (complaint_id, sequence) DO NOTHING`
		batch := &pgx.Batch{}
		for _, h := range appended {
			detail := h.Detail
			if detail == nil {
				detail = map[string]any{}
			}
			batch.Queue(insertHistory, c.ID, h.Sequence, h.At, h.Kind, h.Actor, detail)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("insert history for %s: %w", c.ID, err)
		}
	}

	return tx.Commit(ctx)
}

func (r *complaintRepository) GetByID(ctx context.Context, id string) (*domain.Complaint, error) {
	query := `SELECT ` + complaintColumns + ` FROM complaints WHERE id=$1`
	c, err := scanComplaint(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrComplaintNotFound
		}
		return nil, err
	}
	history, err := r.history(ctx, `WHERE complaint_id=$1`, id)
	if err != nil {
		return nil, err
	}
	c.History = history[c.ID]
	return c, nil
}

// LoadAll returns every stored complaint with its full history, oldest first.
func (r *complaintRepository) LoadAll(ctx context.Context) ([]*domain.Complaint, error) {
	query := `SELECT ` + complaintColumns + ` FROM complaints ORDER BY created_at ASC, id ASC`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*domain.Complaint
	for rows.Next() {
		c, err := scanComplaint(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	history, err := r.history(ctx, "")
	if err != nil {
		return nil, err
	}
	for _, c := range result {
		c.History = history[c.ID]
	}
	return result, nil
}

func (r *complaintRepository) history(ctx context.Context, where string, args ...any) (map[string][]domain.HistoryEntry, error) {
	query := `SELECT complaint_id, sequence, at, kind, actor, detail FROM complaint_history ` +
		where + ` ORDER BY complaint_id, sequence ASC`
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make(map[string][]domain.HistoryEntry)
	for rows.Next() {
		var (
			complaintID string
			h           domain.HistoryEntry
		)
		if err := rows.Scan(&complaintID, &h.Sequence, &h.At, &h.Kind, &h.Actor, &h.Detail); err != nil {
			return nil, err
		}
		h.At = h.At.UTC()
		result[complaintID] = append(result[complaintID], h)
	}
	return result, rows.Err()
}

func scanComplaint(row pgx.Row) (*domain.Complaint, error) {
	var c domain.Complaint
	if err := row.Scan(
		&c.ID,
		&c.Category,
		&c.Department,
		&c.Priority,
		&c.Status,
		&c.CreatedAt,
		&c.AckDeadline,
		&c.ResolutionDeadline,
		&c.ResolutionStretch,
		&c.EscalationLevel,
		&c.LastTransitionAt,
		&c.LastEscalatedAt,
		&c.ClosedAt,
		&c.ReopenCount,
	); err != nil {
		return nil, err
	}
	c.CreatedAt = c.CreatedAt.UTC()
	c.AckDeadline = c.AckDeadline.UTC()
	c.ResolutionDeadline = c.ResolutionDeadline.UTC()
	c.ResolutionStretch = c.ResolutionStretch.UTC()
	c.LastTransitionAt = c.LastTransitionAt.UTC()
	return &c, nil
}
