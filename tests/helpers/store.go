// Package helpers holds constructors shared by package tests.
package helpers

import (
	"testing"

	"github.com/xiaot623/gogo/chatcore/internal/kv"
	"github.com/xiaot623/gogo/chatcore/internal/repository"
)

func NewTestSQLiteStore(t *testing.T) *repository.SQLiteStore {
	t.Helper()

	s, err := repository.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("failed to create sqlite store: %v", err)
	}

	t.Cleanup(func() {
		_ = s.Close()
	})

	return s
}

func NewTestKV(t *testing.T) *kv.BadgerStore {
	t.Helper()

	s, err := kv.OpenBadger("")
	if err != nil {
		t.Fatalf("failed to open in-memory kv: %v", err)
	}

	t.Cleanup(func() {
		_ = s.Close()
	})

	return s
}
