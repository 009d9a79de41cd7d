package hierarchy

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/didcat/didcat/pkg/model"
	"github.com/didcat/didcat/pkg/rule"
	"github.com/didcat/didcat/pkg/store"
)

const testScope = "cms"

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := store.New(dbPath)
	if err != nil {
		t.Fatalf("store.New(%q): %v", dbPath, err)
	}
	t.Cleanup(func() { st.Close() })

	e := New(st, rule.StoreEngine{}, nil)
	if err := e.AddScope(context.Background(), testScope, "root"); err != nil {
		t.Fatalf("AddScope: %v", err)
	}
	return e
}

func mustAddDID(t *testing.T, e *Engine, name string, kind model.DIDType) {
	t.Helper()
	err := e.AddDID(context.Background(), NewDID{Scope: testScope, Name: name, Type: kind, Account: "root"})
	require.NoError(t, err)
}

func TestAddScopeDuplicate(t *testing.T) {
	e := newTestEngine(t)
	err := e.AddScope(context.Background(), testScope, "root")
	assert.ErrorIs(t, err, model.ErrAlreadyExists)
}

func TestAddDID(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	mustAddDID(t, e, "ds", model.TypeDataset)

	d, err := e.GetDID(ctx, testScope, "ds")
	require.NoError(t, err)
	assert.Equal(t, model.TypeDataset, d.Type)
	assert.Equal(t, "root", d.Account)
	assert.True(t, d.IsOpen)
	assert.True(t, d.IsNew)
	assert.False(t, d.Monotonic)
	assert.Nil(t, d.ExpiredAt)
}

func TestAddDIDRejectsFiles(t *testing.T) {
	e := newTestEngine(t)
	err := e.AddDID(context.Background(), NewDID{Scope: testScope, Name: "f", Type: model.TypeFile})
	assert.ErrorIs(t, err, model.ErrUnsupportedOperation)

	err = e.AddDID(context.Background(), NewDID{Scope: testScope, Name: "x", Type: "BOGUS"})
	assert.ErrorIs(t, err, model.ErrUnsupportedOperation)
}

func TestAddDIDUnknownScope(t *testing.T) {
	e := newTestEngine(t)
	err := e.AddDID(context.Background(), NewDID{Scope: "ghost", Name: "ds", Type: model.TypeDataset})
	assert.ErrorIs(t, err, model.ErrScopeNotFound)
}

func TestAddDIDDuplicate(t *testing.T) {
	e := newTestEngine(t)
	mustAddDID(t, e, "ds", model.TypeDataset)
	err := e.AddDID(context.Background(), NewDID{Scope: testScope, Name: "ds", Type: model.TypeContainer})
	assert.ErrorIs(t, err, model.ErrAlreadyExists)
}

func TestAddDIDsAtomic(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	mustAddDID(t, e, "taken", model.TypeDataset)

	err := e.AddDIDs(ctx, []NewDID{
		{Scope: testScope, Name: "fresh", Type: model.TypeDataset},
		{Scope: testScope, Name: "taken", Type: model.TypeDataset},
	}, "root")
	require.ErrorIs(t, err, model.ErrAlreadyExists)

	_, err = e.GetDID(ctx, testScope, "fresh")
	assert.ErrorIs(t, err, model.ErrNotFound, "a failed batch must create nothing")
}

func TestAddDIDWithLifetimeAndRules(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	err := e.AddDID(ctx, NewDID{
		Scope:    testScope,
		Name:     "ds",
		Type:     model.TypeDataset,
		Account:  "root",
		Lifetime: time.Hour,
		Rules:    []rule.Spec{{Copies: 2, RSEExpression: "tier=1"}},
	})
	require.NoError(t, err)

	d, err := e.GetDID(ctx, testScope, "ds")
	require.NoError(t, err)
	require.NotNil(t, d.ExpiredAt)
	assert.WithinDuration(t, time.Now().UTC().Add(time.Hour), *d.ExpiredAt, time.Minute)

	rules, err := rule.ListForDID(ctx, e.st.DB(), testScope, "ds")
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, 2, rules[0].Copies)
	assert.Equal(t, "tier=1", rules[0].RSEExpression)
}

func TestGetDIDNotFound(t *testing.T) {
	e := newTestEngine(t)
	_, err := e.GetDID(context.Background(), testScope, "ghost")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestClose(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	mustAddDID(t, e, "ds", model.TypeDataset)

	require.NoError(t, e.Close(ctx, testScope, "ds"))

	d, err := e.GetDID(ctx, testScope, "ds")
	require.NoError(t, err)
	assert.False(t, d.IsOpen)

	var n int
	require.NoError(t, e.st.DB().QueryRow(
		`SELECT COUNT(*) FROM callbacks WHERE event_type = 'CLOSE'`).Scan(&n))
	assert.Equal(t, 1, n, "closing must emit exactly one CLOSE event")
}

func TestCloseAlreadyClosed(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	mustAddDID(t, e, "ds", model.TypeDataset)

	require.NoError(t, e.Close(ctx, testScope, "ds"))
	err := e.Close(ctx, testScope, "ds")
	assert.ErrorIs(t, err, model.ErrUnsupportedOperation)
}

func TestCloseNotFound(t *testing.T) {
	e := newTestEngine(t)
	err := e.Close(context.Background(), testScope, "ghost")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestMetadataRoundTrip(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	mustAddDID(t, e, "ds", model.TypeDataset)

	require.NoError(t, e.SetMetadata(ctx, testScope, "ds", "project", "higgs"))
	require.NoError(t, e.SetMetadata(ctx, testScope, "ds", "campaign", "2026A"))

	meta, err := e.GetMetadata(ctx, testScope, "ds")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"project": "higgs", "campaign": "2026A"}, meta)
}

func TestMetadataAtRegistration(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	err := e.AddDID(ctx, NewDID{
		Scope: testScope, Name: "ds", Type: model.TypeDataset,
		Meta: map[string]string{"project": "higgs"},
	})
	require.NoError(t, err)

	meta, err := e.GetMetadata(ctx, testScope, "ds")
	require.NoError(t, err)
	assert.Equal(t, "higgs", meta["project"])
}

func TestMetadataPolicy(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	e.MetadataPolicy = RestrictedKeys("project")
	mustAddDID(t, e, "ds", model.TypeDataset)

	require.NoError(t, e.SetMetadata(ctx, testScope, "ds", "project", "higgs"))

	err := e.SetMetadata(ctx, testScope, "ds", "color", "blue")
	require.ErrorIs(t, err, model.ErrUnsupportedOperation)

	meta, err := e.GetMetadata(ctx, testScope, "ds")
	require.NoError(t, err)
	_, ok := meta["color"]
	assert.False(t, ok, "rejected keys must not be stored")

	err = e.AddDID(ctx, NewDID{
		Scope: testScope, Name: "ds2", Type: model.TypeDataset,
		Meta: map[string]string{"color": "blue"},
	})
	assert.ErrorIs(t, err, model.ErrUnsupportedOperation)
}

func TestSetMetadataNotFound(t *testing.T) {
	e := newTestEngine(t)
	err := e.SetMetadata(context.Background(), testScope, "ghost", "k", "v")
	assert.ErrorIs(t, err, model.ErrNotFound)
}
