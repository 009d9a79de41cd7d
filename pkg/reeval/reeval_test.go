package reeval

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/didcat/didcat/pkg/model"
	"github.com/didcat/didcat/pkg/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := store.New(dbPath)
	if err != nil {
		t.Fatalf("store.New(%q): %v", dbPath, err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func reasonOf(t *testing.T, s *store.Store, scope, name string) model.ReEvalReason {
	t.Helper()
	var reason string
	err := s.DB().QueryRow(
		`SELECT reason FROM updated_dids WHERE scope = ? AND name = ?`, scope, name,
	).Scan(&reason)
	require.NoError(t, err)
	return model.ReEvalReason(reason)
}

func TestEnqueueSingle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, Enqueue(ctx, s.DB(), "cms", "ds", model.ReasonAttach))
	assert.Equal(t, model.ReasonAttach, reasonOf(t, s, "cms", "ds"))
}

func TestEnqueueSameReasonIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, Enqueue(ctx, s.DB(), "cms", "ds", model.ReasonDetach))
	require.NoError(t, Enqueue(ctx, s.DB(), "cms", "ds", model.ReasonDetach))

	assert.Equal(t, model.ReasonDetach, reasonOf(t, s, "cms", "ds"))

	var n int
	require.NoError(t, s.DB().QueryRow(`SELECT COUNT(*) FROM updated_dids`).Scan(&n))
	assert.Equal(t, 1, n, "one DID must occupy one queue slot")
}

func TestEnqueueMergesToBoth(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, Enqueue(ctx, s.DB(), "cms", "ds", model.ReasonAttach))
	require.NoError(t, Enqueue(ctx, s.DB(), "cms", "ds", model.ReasonDetach))
	assert.Equal(t, model.ReasonBoth, reasonOf(t, s, "cms", "ds"))

	// BOTH is absorbing: further signals never narrow it.
	require.NoError(t, Enqueue(ctx, s.DB(), "cms", "ds", model.ReasonAttach))
	assert.Equal(t, model.ReasonBoth, reasonOf(t, s, "cms", "ds"))
}

func TestDrainOrderAndLimit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, Enqueue(ctx, s.DB(), "cms", "a", model.ReasonAttach))
	require.NoError(t, Enqueue(ctx, s.DB(), "cms", "b", model.ReasonDetach))
	require.NoError(t, Enqueue(ctx, s.DB(), "cms", "c", model.ReasonAttach))

	pending, err := Drain(ctx, s.DB(), 2)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "a", pending[0].Name)
	assert.Equal(t, "b", pending[1].Name)
	assert.False(t, pending[0].UpdatedAt.IsZero())

	// Drain does not consume: the policy engine acknowledges separately.
	again, err := Drain(ctx, s.DB(), 10)
	require.NoError(t, err)
	assert.Len(t, again, 3)
}
