package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/spec-kit/complaint-engine/internal/domain"
	"github.com/spec-kit/complaint-engine/internal/sla"
)

// DepartmentSLA is one operator-maintained override row.
type DepartmentSLA struct {
	Department string
	Priority   domain.ComplaintPriority
	Ack        time.Duration
	Resolution sla.Range
}

// DepartmentSLARepository reads department windows maintained in the database.
// They are layered over the YAML table at startup.
type DepartmentSLARepository interface {
	Upsert(ctx context.Context, row DepartmentSLA) error
	ListProfiles(ctx context.Context) (map[string]sla.DepartmentProfile, error)
}

type departmentSLARepository struct {
	pool *pgxpool.Pool
}

// NewDepartmentSLARepository builds the repository.
func NewDepartmentSLARepository(pool *pgxpool.Pool) DepartmentSLARepository {
	return &departmentSLARepository{pool: pool}
}

func (r *departmentSLARepository) Upsert(ctx context.Context, row DepartmentSLA) error {
	const query = `
        INSERT INTO department_sla (department, priority, ack_seconds, resolution_min_seconds, resolution_max_seconds)
        VALUES ($1,$2,$3,$4,$5)
        ON CONFLICT (department, priority) DO UPDATE SET ack_seconds=EXCLUDED.ack_seconds,
            resolution_min_seconds=EXCLUDED.resolution_min_seconds,
            resolution_max_seconds=EXCLUDED.resolution_max_seconds, updated_at=NOW()`
	_, err := r.pool.Exec(ctx, query,
		sla.NormalizeDepartment(row.Department),
		row.Priority,
		int64(row.Ack/time.Second),
		int64(row.Resolution.Min/time.Second),
		int64(row.Resolution.Max/time.Second),
	)
	return err
}

func (r *departmentSLARepository) ListProfiles(ctx context.Context) (map[string]sla.DepartmentProfile, error) {
	const query = `
        SELECT department, priority, ack_seconds, resolution_min_seconds, resolution_max_seconds
        FROM department_sla ORDER BY department, priority`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make(map[string]sla.DepartmentProfile)
	for rows.Next() {
		var (
			department, priority string
			ack, resMin, resMax  int64
		)
		if err := rows.Scan(&department, &priority, &ack, &resMin, &resMax); err != nil {
			return nil, err
		}
		p, err := domain.ParsePriority(priority)
		if err != nil {
			return nil, fmt.Errorf("department_sla %s: %w", department, err)
		}
		key := sla.NormalizeDepartment(department)
		profile, ok := result[key]
		if !ok {
			profile = sla.DepartmentProfile{Name: key, Windows: make(map[domain.ComplaintPriority]sla.Window)}
		}
		profile.Windows[p] = sla.Window{
			Ack: time.Duration(ack) * time.Second,
			Resolution: sla.Range{
				Min: time.Duration(resMin) * time.Second,
				Max: time.Duration(resMax) * time.Second,
			},
		}
		result[key] = profile
	}
	return result, rows.Err()
}
