// Package testutil holds helpers shared by package tests.
package testutil

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/nhle/mailcore/internal/model"
	"github.com/nhle/mailcore/internal/store"
)

// NewTestStore creates an in-memory SQLiteStore with all migrations applied.
// It automatically closes the store when the test completes.
func NewTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()

	s, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("creating test store: %v", err)
	}

	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Errorf("closing test store: %v", err)
		}
	})

	return s
}

// CountingStore wraps a store.Store and counts every job and config access.
type CountingStore struct {
	store.Store
	calls atomic.Int64
}

// NewCountingStore wraps s.
func NewCountingStore(s store.Store) *CountingStore {
	return &CountingStore{Store: s}
}

// Calls returns the number of accesses so far.
func (c *CountingStore) Calls() int64 {
	return c.calls.Load()
}

func (c *CountingStore) Insert(ctx context.Context, job *model.Job) (int64, error) {
	c.calls.Add(1)
	return c.Store.Insert(ctx, job)
}

func (c *CountingStore) NextPending(ctx context.Context) (*model.Job, error) {
	c.calls.Add(1)
	return c.Store.NextPending(ctx)
}

func (c *CountingStore) Update(ctx context.Context, job *model.Job) error {
	c.calls.Add(1)
	return c.Store.Update(ctx, job)
}

func (c *CountingStore) Delete(ctx context.Context, id int64) error {
	c.calls.Add(1)
	return c.Store.Delete(ctx, id)
}

func (c *CountingStore) Get(ctx context.Context, id int64) (*model.Job, error) {
	c.calls.Add(1)
	return c.Store.Get(ctx, id)
}

func (c *CountingStore) List(ctx context.Context) ([]model.Job, error) {
	c.calls.Add(1)
	return c.Store.List(ctx)
}

func (c *CountingStore) ResetInProgress(ctx context.Context) (int, error) {
	c.calls.Add(1)
	return c.Store.ResetInProgress(ctx)
}

func (c *CountingStore) DeleteKind(ctx context.Context, kind model.JobKind) (int, error) {
	c.calls.Add(1)
	return c.Store.DeleteKind(ctx, kind)
}

func (c *CountingStore) GetConfig(ctx context.Context, key string) (string, bool, error) {
	c.calls.Add(1)
	return c.Store.GetConfig(ctx, key)
}

func (c *CountingStore) SetConfig(ctx context.Context, key, value string) error {
	c.calls.Add(1)
	return c.Store.SetConfig(ctx, key, value)
}

func (c *CountingStore) SetConfigs(ctx context.Context, values map[string]string) error {
	c.calls.Add(1)
	return c.Store.SetConfigs(ctx, values)
}
