package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/c360studio/testgen/storage"
	"github.com/c360studio/testgen/testplan"
)

const planColumns = `id, owner_id, doc_link, app_url, model_used, plan_json, created_at, updated_at`

// CreatePlan inserts p with a fresh id and timestamps.
func (s *Store) CreatePlan(ctx context.Context, p *testplan.TestPlan) (string, error) {
	planJSON, err := json.Marshal(p.Plan)
	if err != nil {
		return "", fmt.Errorf("marshal plan: %w", err)
	}

	p.ID = storage.NewID()
	p.CreatedAt = s.now().UTC()
	p.UpdatedAt = p.CreatedAt

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO test_plans (`+planColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, p.ID, p.OwnerID, p.DocLink, p.AppURL, p.ModelUsed, string(planJSON), toNanos(p.CreatedAt), toNanos(p.UpdatedAt))
	if err != nil {
		return "", fmt.Errorf("insert plan: %w", err)
	}
	return p.ID, nil
}

// GetPlan loads one plan.
func (s *Store) GetPlan(ctx context.Context, id string) (*testplan.TestPlan, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+planColumns+` FROM test_plans WHERE id = ?`, id)
	p, err := scanPlan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get plan: %w", err)
	}
	return p, nil
}

// ListPlans returns plans matching f, newest first.
func (s *Store) ListPlans(ctx context.Context, f storage.PlanFilter) ([]*testplan.TestPlan, error) {
	var (
		where []string
		args  []any
	)
	if f.OwnerID != "" {
		where = append(where, "owner_id = ?")
		args = append(args, f.OwnerID)
	}
	if f.Search != "" {
		q := strings.ToLower(f.Search)
		where = append(where, "(instr(fold(doc_link), ?) > 0 OR instr(fold(app_url), ?) > 0)")
		args = append(args, q, q)
	}

	query := `SELECT ` + planColumns + ` FROM test_plans`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?"
	args = append(args, sqlLimit(f.Limit), sqlOffset(f.Skip))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list plans: %w", err)
	}
	defer rows.Close()

	plans := []*testplan.TestPlan{}
	for rows.Next() {
		p, err := scanPlan(rows)
		if err != nil {
			return nil, fmt.Errorf("scan plan: %w", err)
		}
		plans = append(plans, p)
	}
	return plans, rows.Err()
}

// DeletePlan removes a plan. Its reports are kept.
func (s *Store) DeletePlan(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM test_plans WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete plan: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return storage.ErrNotFound
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPlan(row scanner) (*testplan.TestPlan, error) {
	var (
		p                    testplan.TestPlan
		planJSON             string
		createdAt, updatedAt int64
	)
	err := row.Scan(&p.ID, &p.OwnerID, &p.DocLink, &p.AppURL, &p.ModelUsed, &planJSON, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(planJSON), &p.Plan); err != nil {
		return nil, fmt.Errorf("unmarshal plan %s: %w", p.ID, err)
	}
	p.CreatedAt = fromNanos(createdAt)
	p.UpdatedAt = fromNanos(updatedAt)
	return &p, nil
}
