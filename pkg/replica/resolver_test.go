package replica

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/didcat/didcat/pkg/model"
	"github.com/didcat/didcat/pkg/rse"
	"github.com/didcat/didcat/pkg/store"
)

func testEndpoints() *rse.StaticManager {
	return rse.NewStaticManager(map[string][]rse.Protocol{
		"MOCK-POSIX": {
			{Scheme: "file", Hostname: "localhost", Prefix: "/tmp/data"},
		},
		"MOCK-GRID": {
			{Scheme: "root", Hostname: "grid.example.org", Port: 1094, Prefix: "/pnfs"},
			{Scheme: "srm", Hostname: "grid.example.org", Port: 8443, Prefix: "/pnfs",
				ExtendedAttributes: map[string]string{"space_token": "DATADISK"}},
		},
	})
}

// seedDataset registers a dataset of files and their replicas directly in
// the store: ds -> files, each file placed on every endpoint in rses.
func seedDataset(t *testing.T, s *store.Store, ds string, files []model.FileSpec, rses ...string) {
	t.Helper()
	ctx := context.Background()
	now := store.Now()

	_, err := s.DB().Exec(
		`INSERT INTO dids (scope, name, account, did_type, is_open, monotonic, is_new, created_at)
		 VALUES ('cms', ?, 'root', 'DATASET', 1, 0, 1, ?)`, ds, now)
	require.NoError(t, err)

	for _, f := range files {
		for _, rseName := range rses {
			require.NoError(t, Add(ctx, s.DB(), rseName, []model.FileSpec{f}, "root"))
		}
		_, err := s.DB().Exec(
			`INSERT INTO contents (scope, name, child_scope, child_name, did_type, child_type, bytes, adler32, created_at)
			 VALUES ('cms', ?, ?, ?, 'DATASET', 'FILE', ?, ?, ?)`,
			ds, f.Scope, f.Name, f.Bytes, f.Adler32, now)
		require.NoError(t, err)
	}
}

func collect(t *testing.T, r *Resolver, dids []model.DIDRef, schemes []string, all bool) []*FileReplicas {
	t.Helper()
	var out []*FileReplicas
	for fr, err := range r.ListReplicas(context.Background(), dids, schemes, all) {
		require.NoError(t, err)
		out = append(out, fr)
	}
	return out
}

func TestListReplicasForFile(t *testing.T) {
	s := newTestStore(t)
	seedDataset(t, s, "ds", []model.FileSpec{spec("f1", 100)}, "MOCK-POSIX", "MOCK-GRID")
	r := NewResolver(s, testEndpoints())

	out := collect(t, r, []model.DIDRef{{Scope: "cms", Name: "f1"}}, nil, false)
	require.Len(t, out, 1)

	fr := out[0]
	assert.Equal(t, "f1", fr.Name)
	assert.Equal(t, int64(100), fr.Bytes)
	assert.Equal(t, "0cc737eb", fr.Adler32)
	assert.Equal(t, []string{"file://localhost/tmp/data/cms/f1"}, fr.RSEs["MOCK-POSIX"])
	assert.ElementsMatch(t, []string{
		"root://grid.example.org:1094/pnfs/cms/f1",
		"srm://grid.example.org:8443/pnfs/cms/f1",
	}, fr.RSEs["MOCK-GRID"])
	assert.Equal(t, "DATADISK", fr.SpaceToken, "srm protocols surface their space token")
}

func TestListReplicasWalksCollections(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := store.Now()
	seedDataset(t, s, "ds1", []model.FileSpec{spec("f1", 100), spec("f2", 200)}, "MOCK-POSIX")
	seedDataset(t, s, "ds2", []model.FileSpec{spec("f3", 300)}, "MOCK-POSIX")

	_, err := s.DB().ExecContext(ctx,
		`INSERT INTO dids (scope, name, account, did_type, is_open, monotonic, is_new, created_at)
		 VALUES ('cms', 'cont', 'root', 'CONTAINER', 1, 0, 1, ?)`, now)
	require.NoError(t, err)
	for _, ds := range []string{"ds1", "ds2"} {
		_, err := s.DB().ExecContext(ctx,
			`INSERT INTO contents (scope, name, child_scope, child_name, did_type, child_type, created_at)
			 VALUES ('cms', 'cont', 'cms', ?, 'CONTAINER', 'DATASET', ?)`, ds, now)
		require.NoError(t, err)
	}

	r := NewResolver(s, testEndpoints())
	out := collect(t, r, []model.DIDRef{{Scope: "cms", Name: "cont"}}, nil, false)

	names := map[string]bool{}
	for _, fr := range out {
		names[fr.Name] = true
	}
	assert.Equal(t, map[string]bool{"f1": true, "f2": true, "f3": true}, names)
}

func TestListReplicasSchemeFilter(t *testing.T) {
	s := newTestStore(t)
	seedDataset(t, s, "ds", []model.FileSpec{spec("f1", 100)}, "MOCK-POSIX", "MOCK-GRID")
	r := NewResolver(s, testEndpoints())

	out := collect(t, r, []model.DIDRef{{Scope: "cms", Name: "f1"}}, []string{"root"}, false)
	require.Len(t, out, 1)

	fr := out[0]
	// MOCK-POSIX offers no matching protocol and is dropped entirely.
	_, ok := fr.RSEs["MOCK-POSIX"]
	assert.False(t, ok)
	assert.Equal(t, []string{"root://grid.example.org:1094/pnfs/cms/f1"}, fr.RSEs["MOCK-GRID"])
	assert.Empty(t, fr.SpaceToken)
}

func TestListReplicasStateFilter(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedDataset(t, s, "ds", []model.FileSpec{spec("f1", 100)}, "MOCK-POSIX", "MOCK-GRID")
	require.NoError(t, SetState(ctx, s.DB(), "cms", "f1", "MOCK-POSIX", model.ReplicaUnavailable))
	r := NewResolver(s, testEndpoints())

	out := collect(t, r, []model.DIDRef{{Scope: "cms", Name: "f1"}}, nil, false)
	require.Len(t, out, 1)
	_, ok := out[0].RSEs["MOCK-POSIX"]
	assert.False(t, ok, "unavailable replicas are hidden by default")

	out = collect(t, r, []model.DIDRef{{Scope: "cms", Name: "f1"}}, nil, true)
	require.Len(t, out, 1)
	assert.Contains(t, out[0].RSEs, "MOCK-POSIX")
	assert.Contains(t, out[0].RSEs, "MOCK-GRID")
}

func TestListReplicasOmitsUnreachableFiles(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedDataset(t, s, "ds", []model.FileSpec{spec("f1", 100), spec("f2", 200)}, "MOCK-POSIX")
	require.NoError(t, SetState(ctx, s.DB(), "cms", "f2", "MOCK-POSIX", model.ReplicaUnavailable))
	r := NewResolver(s, testEndpoints())

	out := collect(t, r, []model.DIDRef{{Scope: "cms", Name: "ds"}}, nil, false)
	require.Len(t, out, 1, "files with no surviving replicas are omitted")
	assert.Equal(t, "f1", out[0].Name)
}

func TestListReplicasUnknownEndpointSkipped(t *testing.T) {
	s := newTestStore(t)
	seedDataset(t, s, "ds", []model.FileSpec{spec("f1", 100)}, "MOCK-POSIX", "DECOMMISSIONED")
	r := NewResolver(s, testEndpoints())

	out := collect(t, r, []model.DIDRef{{Scope: "cms", Name: "f1"}}, nil, false)
	require.Len(t, out, 1)
	assert.Contains(t, out[0].RSEs, "MOCK-POSIX")
	assert.NotContains(t, out[0].RSEs, "DECOMMISSIONED")
}

func TestListReplicasUnknownDID(t *testing.T) {
	s := newTestStore(t)
	r := NewResolver(s, testEndpoints())

	for _, err := range r.ListReplicas(context.Background(), []model.DIDRef{{Scope: "cms", Name: "ghost"}}, nil, false) {
		assert.ErrorIs(t, err, model.ErrNotFound)
		return
	}
	t.Fatal("expected an error entry")
}

func TestListReplicasManyFiles(t *testing.T) {
	// More files than one predicate batch holds.
	s := newTestStore(t)
	var files []model.FileSpec
	for i := 0; i < 25; i++ {
		files = append(files, model.FileSpec{Scope: "cms", Name: fmt.Sprintf("file_%02d", i), Bytes: int64(i + 1)})
	}
	seedDataset(t, s, "ds", files, "MOCK-POSIX")
	r := NewResolver(s, testEndpoints())

	out := collect(t, r, []model.DIDRef{{Scope: "cms", Name: "ds"}}, nil, false)
	assert.Len(t, out, 25)
}

func TestListReplicasDuplicateRequestEntries(t *testing.T) {
	// The same file requested twice, far enough apart that the two
	// occurrences would land in different predicate batches.
	s := newTestStore(t)
	var files []model.FileSpec
	for i := 0; i < 12; i++ {
		files = append(files, model.FileSpec{Scope: "cms", Name: fmt.Sprintf("file_%02d", i), Bytes: int64(i + 1)})
	}
	seedDataset(t, s, "ds", files, "MOCK-POSIX")
	r := NewResolver(s, testEndpoints())

	refs := make([]model.DIDRef, 0, len(files)+1)
	for _, f := range files {
		refs = append(refs, f.Ref())
	}
	refs = append(refs, files[0].Ref())

	out := collect(t, r, refs, nil, false)
	require.Len(t, out, 12)
	for _, fr := range out {
		assert.Len(t, fr.RSEs["MOCK-POSIX"], 1, "%s resolved more than once", fr.Name)
	}
}

func TestListReplicasSharedFileAcrossDatasets(t *testing.T) {
	// f1 sits in both datasets; walking both must yield it once.
	s := newTestStore(t)
	ctx := context.Background()
	now := store.Now()
	seedDataset(t, s, "ds1", []model.FileSpec{spec("f1", 100)}, "MOCK-POSIX")

	_, err := s.DB().ExecContext(ctx,
		`INSERT INTO dids (scope, name, account, did_type, is_open, monotonic, is_new, created_at)
		 VALUES ('cms', 'ds2', 'root', 'DATASET', 1, 0, 1, ?)`, now)
	require.NoError(t, err)
	_, err = s.DB().ExecContext(ctx,
		`INSERT INTO contents (scope, name, child_scope, child_name, did_type, child_type, bytes, created_at)
		 VALUES ('cms', 'ds2', 'cms', 'f1', 'DATASET', 'FILE', 100, ?)`, now)
	require.NoError(t, err)

	r := NewResolver(s, testEndpoints())
	out := collect(t, r, []model.DIDRef{{Scope: "cms", Name: "ds1"}, {Scope: "cms", Name: "ds2"}}, nil, false)
	require.Len(t, out, 1)
	assert.Equal(t, []string{"file://localhost/tmp/data/cms/f1"}, out[0].RSEs["MOCK-POSIX"])
}
