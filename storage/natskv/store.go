// Package natskv implements storage.Store on NATS JetStream key-value
// buckets. Updates use the entry revision for compare-and-swap.
package natskv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/c360studio/testgen/storage"
	"github.com/c360studio/testgen/testplan"
	"github.com/nats-io/nats.go/jetstream"
)

// Bucket name suffixes; the configured prefix is prepended.
const (
	bucketPlans   = "PLANS"
	bucketReports = "REPORTS"
	bucketUsers   = "USERS"
)

// Store provides storage.Store backed by NATS KV.
type Store struct {
	plans   jetstream.KeyValue
	reports jetstream.KeyValue
	users   jetstream.KeyValue

	conn *Conn
	now  func() time.Time
}

var _ storage.Store = (*Store)(nil)

// New creates the buckets if they don't exist. If conn is non-nil the
// store owns it and closes it on Close.
func New(ctx context.Context, js jetstream.JetStream, prefix string, conn *Conn) (*Store, error) {
	if prefix == "" {
		prefix = "TESTGEN"
	}

	plans, err := getOrCreateBucket(ctx, js, prefix+"_"+bucketPlans)
	if err != nil {
		return nil, fmt.Errorf("create plans bucket: %w", err)
	}
	reports, err := getOrCreateBucket(ctx, js, prefix+"_"+bucketReports)
	if err != nil {
		return nil, fmt.Errorf("create reports bucket: %w", err)
	}
	users, err := getOrCreateBucket(ctx, js, prefix+"_"+bucketUsers)
	if err != nil {
		return nil, fmt.Errorf("create users bucket: %w", err)
	}

	return &Store{
		plans:   plans,
		reports: reports,
		users:   users,
		conn:    conn,
		now:     time.Now,
	}, nil
}

func getOrCreateBucket(ctx context.Context, js jetstream.JetStream, name string) (jetstream.KeyValue, error) {
	kv, err := js.KeyValue(ctx, name)
	if err == nil {
		return kv, nil
	}
	if !errors.Is(err, jetstream.ErrBucketNotFound) {
		return nil, err
	}
	return js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      name,
		Description: fmt.Sprintf("testgen %s", strings.ToLower(name)),
		History:     5,
	})
}

// Close releases the owned connection.
func (s *Store) Close() error {
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

// CreatePlan stores p under a fresh id.
func (s *Store) CreatePlan(ctx context.Context, p *testplan.TestPlan) (string, error) {
	p.ID = storage.NewID()
	p.CreatedAt = s.now().UTC()
	p.UpdatedAt = p.CreatedAt

	if err := create(ctx, s.plans, p.ID, p); err != nil {
		return "", fmt.Errorf("store plan: %w", err)
	}
	return p.ID, nil
}

// GetPlan loads one plan.
func (s *Store) GetPlan(ctx context.Context, id string) (*testplan.TestPlan, error) {
	var p testplan.TestPlan
	if _, err := get(ctx, s.plans, id, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// ListPlans scans the bucket and filters in memory.
func (s *Store) ListPlans(ctx context.Context, f storage.PlanFilter) ([]*testplan.TestPlan, error) {
	plans, err := scan[testplan.TestPlan](ctx, s.plans)
	if err != nil {
		return nil, fmt.Errorf("list plans: %w", err)
	}

	matched := plans[:0]
	for _, p := range plans {
		if f.MatchPlan(p) {
			matched = append(matched, p)
		}
	}
	storage.SortNewestFirst(matched,
		func(p *testplan.TestPlan) time.Time { return p.CreatedAt },
		func(p *testplan.TestPlan) string { return p.ID })
	return storage.Paginate(matched, f.Skip, f.Limit), nil
}

// DeletePlan removes a plan. Its reports are kept.
func (s *Store) DeletePlan(ctx context.Context, id string) error {
	return remove(ctx, s.plans, id)
}

// CreateReport stores r under a fresh id.
func (s *Store) CreateReport(ctx context.Context, r *testplan.TestReport) (string, error) {
	r.ID = storage.NewID()
	r.CreatedAt = s.now().UTC()

	if err := create(ctx, s.reports, r.ID, r); err != nil {
		return "", fmt.Errorf("store report: %w", err)
	}
	return r.ID, nil
}

// GetReport loads one report.
func (s *Store) GetReport(ctx context.Context, id string) (*testplan.TestReport, error) {
	var r testplan.TestReport
	if _, err := get(ctx, s.reports, id, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// ListReports scans the bucket and filters in memory.
func (s *Store) ListReports(ctx context.Context, f storage.ReportFilter) ([]*testplan.TestReport, error) {
	reports, err := scan[testplan.TestReport](ctx, s.reports)
	if err != nil {
		return nil, fmt.Errorf("list reports: %w", err)
	}

	matched := reports[:0]
	for _, r := range reports {
		if f.MatchReport(r) {
			matched = append(matched, r)
		}
	}
	storage.SortNewestFirst(matched,
		func(r *testplan.TestReport) time.Time { return r.CreatedAt },
		func(r *testplan.TestReport) string { return r.ID })
	return storage.Paginate(matched, f.Skip, f.Limit), nil
}

// UpdateReport applies fn and writes back at the read revision.
func (s *Store) UpdateReport(ctx context.Context, id string, fn func(*testplan.TestReport) error) (*testplan.TestReport, error) {
	var updated *testplan.TestReport
	err := storage.RetryOnConflict(ctx, func() error {
		var r testplan.TestReport
		rev, err := get(ctx, s.reports, id, &r)
		if err != nil {
			return err
		}
		if err := fn(&r); err != nil {
			return err
		}
		if err := update(ctx, s.reports, id, &r, rev); err != nil {
			return err
		}
		updated = &r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// DeleteReport removes a report.
func (s *Store) DeleteReport(ctx context.Context, id string) error {
	return remove(ctx, s.reports, id)
}

// GetUser loads one user.
func (s *Store) GetUser(ctx context.Context, id string) (*storage.User, error) {
	var u storage.User
	if _, err := get(ctx, s.users, id, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

// PutUser creates or replaces a user.
func (s *Store) PutUser(ctx context.Context, u *storage.User) error {
	data, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("marshal user: %w", err)
	}
	if _, err := s.users.Put(ctx, u.ID, data); err != nil {
		return fmt.Errorf("put user: %w", err)
	}
	return nil
}

// UpdateUser applies fn and writes back at the read revision.
func (s *Store) UpdateUser(ctx context.Context, id string, fn func(*storage.User) error) (*storage.User, error) {
	var updated *storage.User
	err := storage.RetryOnConflict(ctx, func() error {
		var u storage.User
		rev, err := get(ctx, s.users, id, &u)
		if err != nil {
			return err
		}
		if err := fn(&u); err != nil {
			return err
		}
		if err := update(ctx, s.users, id, &u, rev); err != nil {
			return err
		}
		updated = &u
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func create(ctx context.Context, kv jetstream.KeyValue, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	if _, err := kv.Create(ctx, key, data); err != nil {
		if errors.Is(err, jetstream.ErrKeyExists) {
			return storage.ErrExists
		}
		return err
	}
	return nil
}

func get(ctx context.Context, kv jetstream.KeyValue, key string, v any) (uint64, error) {
	entry, err := kv.Get(ctx, key)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return 0, storage.ErrNotFound
		}
		return 0, fmt.Errorf("get %s: %w", key, err)
	}
	if err := json.Unmarshal(entry.Value(), v); err != nil {
		return 0, fmt.Errorf("unmarshal %s: %w", key, err)
	}
	return entry.Revision(), nil
}

func update(ctx context.Context, kv jetstream.KeyValue, key string, v any, rev uint64) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	if _, err := kv.Update(ctx, key, data, rev); err != nil {
		if isWrongRevision(err) {
			return storage.ErrConflict
		}
		return fmt.Errorf("update %s: %w", key, err)
	}
	return nil
}

func remove(ctx context.Context, kv jetstream.KeyValue, key string) error {
	if _, err := kv.Get(ctx, key); err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return storage.ErrNotFound
		}
		return fmt.Errorf("get %s: %w", key, err)
	}
	if err := kv.Delete(ctx, key); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// scan loads every live entry. Entries that fail to decode are skipped.
func scan[T any](ctx context.Context, kv jetstream.KeyValue) ([]*T, error) {
	lister, err := kv.ListKeys(ctx)
	if err != nil {
		return nil, err
	}
	defer lister.Stop()

	var out []*T
	for key := range lister.Keys() {
		var v T
		if _, err := get(ctx, kv, key, &v); err != nil {
			continue
		}
		out = append(out, &v)
	}
	return out, nil
}

func isWrongRevision(err error) bool {
	if errors.Is(err, jetstream.ErrKeyExists) {
		return true
	}
	var apiErr *jetstream.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode == jetstream.JSErrCodeStreamWrongLastSequence
}
