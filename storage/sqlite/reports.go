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

const reportColumns = `id, test_plan_id, owner_id, status, start_time, end_time, results_json, created_at, version`

// CreateReport inserts r with a fresh id and creation time.
func (s *Store) CreateReport(ctx context.Context, r *testplan.TestReport) (string, error) {
	r.ID = storage.NewID()
	r.CreatedAt = s.now().UTC()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO test_reports (`+reportColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 1)
	`, r.ID, r.TestPlanID, r.OwnerID, string(r.Status),
		nullNanos(r.StartTime), nullNanos(r.EndTime), nullResults(r.Results), toNanos(r.CreatedAt))
	if err != nil {
		return "", fmt.Errorf("insert report: %w", err)
	}
	return r.ID, nil
}

// GetReport loads one report.
func (s *Store) GetReport(ctx context.Context, id string) (*testplan.TestReport, error) {
	r, _, err := s.getReport(ctx, id)
	return r, err
}

func (s *Store) getReport(ctx context.Context, id string) (*testplan.TestReport, int64, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+reportColumns+` FROM test_reports WHERE id = ?`, id)
	r, version, err := scanReport(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, 0, storage.ErrNotFound
	}
	if err != nil {
		return nil, 0, fmt.Errorf("get report: %w", err)
	}
	return r, version, nil
}

// ListReports returns reports matching f, newest first.
func (s *Store) ListReports(ctx context.Context, f storage.ReportFilter) ([]*testplan.TestReport, error) {
	var (
		where []string
		args  []any
	)
	if f.OwnerID != "" {
		where = append(where, "owner_id = ?")
		args = append(args, f.OwnerID)
	}
	if f.TestPlanID != "" {
		where = append(where, "test_plan_id = ?")
		args = append(args, f.TestPlanID)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.Search != "" {
		where = append(where, "instr(fold(test_plan_id), ?) > 0")
		args = append(args, strings.ToLower(f.Search))
	}

	query := `SELECT ` + reportColumns + ` FROM test_reports`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?"
	args = append(args, sqlLimit(f.Limit), sqlOffset(f.Skip))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list reports: %w", err)
	}
	defer rows.Close()

	reports := []*testplan.TestReport{}
	for rows.Next() {
		r, _, err := scanReport(rows)
		if err != nil {
			return nil, fmt.Errorf("scan report: %w", err)
		}
		reports = append(reports, r)
	}
	return reports, rows.Err()
}

// UpdateReport applies fn under optimistic locking on the version column.
func (s *Store) UpdateReport(ctx context.Context, id string, fn func(*testplan.TestReport) error) (*testplan.TestReport, error) {
	var updated *testplan.TestReport
	err := storage.RetryOnConflict(ctx, func() error {
		r, version, err := s.getReport(ctx, id)
		if err != nil {
			return err
		}
		if err := fn(r); err != nil {
			return err
		}

		result, err := s.db.ExecContext(ctx, `
			UPDATE test_reports
			SET status = ?, start_time = ?, end_time = ?, results_json = ?, version = version + 1
			WHERE id = ? AND version = ?
		`, string(r.Status), nullNanos(r.StartTime), nullNanos(r.EndTime), nullResults(r.Results), id, version)
		if err != nil {
			return fmt.Errorf("update report: %w", err)
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return err
		}
		if rows == 0 {
			return storage.ErrConflict
		}
		updated = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// DeleteReport removes a report.
func (s *Store) DeleteReport(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM test_reports WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete report: %w", err)
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

func nullResults(results json.RawMessage) sql.NullString {
	if len(results) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(results), Valid: true}
}

func scanReport(row scanner) (*testplan.TestReport, int64, error) {
	var (
		r                  testplan.TestReport
		status             string
		startTime, endTime sql.NullInt64
		results            sql.NullString
		createdAt, version int64
	)
	err := row.Scan(&r.ID, &r.TestPlanID, &r.OwnerID, &status, &startTime, &endTime, &results, &createdAt, &version)
	if err != nil {
		return nil, 0, err
	}
	r.Status = testplan.Status(status)
	r.StartTime = fromNullNanos(startTime)
	r.EndTime = fromNullNanos(endTime)
	if results.Valid {
		r.Results = json.RawMessage(results.String)
	}
	r.CreatedAt = fromNanos(createdAt)
	return &r, version, nil
}
