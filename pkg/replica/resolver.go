package replica

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"

	"github.com/didcat/didcat/pkg/model"
	"github.com/didcat/didcat/pkg/rse"
	"github.com/didcat/didcat/pkg/store"
)

// queryBatchSize bounds the number of OR-ed replica predicates per query,
// to respect store-side predicate-count limits. Not a correctness knob.
const queryBatchSize = 10

// FileReplicas is one resolver result: a file plus every reachable access
// URL, grouped by endpoint. The endpoint map is never empty; files with no
// surviving replicas after filtering are omitted entirely.
type FileReplicas struct {
	Scope      string              `json:"scope"`
	Name       string              `json:"name"`
	Bytes      int64               `json:"bytes"`
	Adler32    string              `json:"adler32,omitempty"`
	MD5        string              `json:"md5,omitempty"`
	SpaceToken string              `json:"space_token,omitempty"`
	RSEs       map[string][]string `json:"rses"`
}

// Resolver walks the association graph down to files and joins the
// replica ledger with the endpoint-protocol collaborator.
type Resolver struct {
	st  *store.Store
	mgr rse.Manager
}

// NewResolver builds a resolver over the store and endpoint manager.
func NewResolver(st *store.Store, mgr rse.Manager) *Resolver {
	return &Resolver{st: st, mgr: mgr}
}

// ListReplicas resolves every requested DID to its constituent files and
// yields one record per file with at least one reachable replica.
//
// schemes, when non-empty, keeps only protocols with a matching scheme.
// includeUnavailable widens the state filter from AVAILABLE only to
// AVAILABLE and UNAVAILABLE. Endpoint or protocol failures skip that endpoint
// or protocol; they never fail the whole request.
//
// The sequence is single-pass: ledger rows are read batch by batch and
// grouped per file before emission begins, so stopping early only cuts
// the remaining emission short.
func (r *Resolver) ListReplicas(ctx context.Context, dids []model.DIDRef, schemes []string, includeUnavailable bool) iter.Seq2[*FileReplicas, error] {
	return func(yield func(*FileReplicas, error) bool) {
		files, err := r.collectFiles(ctx, dids)
		if err != nil {
			yield(nil, err)
			return
		}

		wantScheme := make(map[string]bool, len(schemes))
		for _, s := range schemes {
			wantScheme[s] = true
		}

		// Group ledger rows by file identity across batches, preserving
		// first-seen order for deterministic merging.
		var order []string
		byFile := make(map[string]*FileReplicas)
		for _, batch := range store.Chunks(files, queryBatchSize) {
			if err := r.queryBatch(ctx, batch, includeUnavailable, wantScheme, &order, byFile); err != nil {
				yield(nil, err)
				return
			}
		}

		for _, key := range order {
			rec := byFile[key]
			for rseName, urls := range rec.RSEs {
				if len(urls) == 0 {
					delete(rec.RSEs, rseName)
				}
			}
			if len(rec.RSEs) == 0 {
				continue
			}
			if !yield(rec, nil) {
				return
			}
		}
	}
}

// collectFiles resolves each requested DID to file references: a FILE maps
// to itself, collections are walked with an explicit worklist so traversal
// never recurses. A seen set keeps every node single-visit, so duplicate
// request entries and files reachable through more than one collection
// still resolve to one reference each.
func (r *Resolver) collectFiles(ctx context.Context, dids []model.DIDRef) ([]model.DIDRef, error) {
	seen := make(map[model.DIDRef]bool)
	var files []model.DIDRef
	for _, did := range dids {
		var didType string
		err := r.st.DB().QueryRowContext(ctx,
			`SELECT did_type FROM dids WHERE scope = ? AND name = ?`, did.Scope, did.Name,
		).Scan(&didType)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%s: %w", did, model.ErrNotFound)
		}
		if err != nil {
			return nil, fmt.Errorf("lookup %s: %w", did, err)
		}
		if seen[did] {
			continue
		}
		seen[did] = true

		if model.DIDType(didType) == model.TypeFile {
			files = append(files, did)
			continue
		}

		worklist := []model.DIDRef{did}
		for len(worklist) > 0 {
			next := worklist[len(worklist)-1]
			worklist = worklist[:len(worklist)-1]
			children, err := r.childRefs(ctx, next)
			if err != nil {
				return nil, err
			}
			for _, c := range children {
				if seen[c.ref] {
					continue
				}
				seen[c.ref] = true
				if c.childType == model.TypeFile {
					files = append(files, c.ref)
				} else {
					worklist = append(worklist, c.ref)
				}
			}
		}
	}
	return files, nil
}

type childRef struct {
	ref       model.DIDRef
	childType model.DIDType
}

func (r *Resolver) childRefs(ctx context.Context, parent model.DIDRef) ([]childRef, error) {
	rows, err := r.st.DB().QueryContext(ctx,
		`SELECT child_scope, child_name, child_type FROM contents
		 WHERE scope = ? AND name = ? ORDER BY child_name ASC`,
		parent.Scope, parent.Name,
	)
	if err != nil {
		return nil, fmt.Errorf("list content of %s: %w", parent, err)
	}
	defer rows.Close()

	var out []childRef
	for rows.Next() {
		var c childRef
		var childType string
		if err := rows.Scan(&c.ref.Scope, &c.ref.Name, &childType); err != nil {
			return nil, err
		}
		c.childType = model.DIDType(childType)
		out = append(out, c)
	}
	return out, rows.Err()
}

func (r *Resolver) queryBatch(ctx context.Context, batch []model.DIDRef, includeUnavailable bool, wantScheme map[string]bool, order *[]string, byFile map[string]*FileReplicas) error {
	stateFilter := `state = ?`
	args := []any{string(model.ReplicaAvailable)}
	if includeUnavailable {
		stateFilter = `state IN (?, ?)`
		args = append(args, string(model.ReplicaUnavailable))
	}

	pred := `(scope = ? AND name = ?)`
	for i, f := range batch {
		if i > 0 {
			pred += ` OR (scope = ? AND name = ?)`
		}
		args = append(args, f.Scope, f.Name)
	}

	rows, err := r.st.DB().QueryContext(ctx,
		`SELECT scope, name, rse, bytes, COALESCE(adler32,''), COALESCE(md5,'')
		 FROM replicas WHERE `+stateFilter+` AND (`+pred+`)
		 ORDER BY scope ASC, name ASC`,
		args...,
	)
	if err != nil {
		return fmt.Errorf("query replicas: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			scope, name, rseName string
			bytes                int64
			adler32, md5         string
		)
		if err := rows.Scan(&scope, &name, &rseName, &bytes, &adler32, &md5); err != nil {
			return err
		}

		key := scope + ":" + name
		rec, ok := byFile[key]
		if !ok {
			rec = &FileReplicas{Scope: scope, Name: name, Bytes: bytes, Adler32: adler32, MD5: md5, RSEs: make(map[string][]string)}
			byFile[key] = rec
			*order = append(*order, key)
		}
		if _, seen := rec.RSEs[rseName]; !seen {
			rec.RSEs[rseName] = []string{}
		}

		protocols, err := r.mgr.ListProtocols(rseName)
		if err != nil {
			// Unknown endpoint: skip it, keep the rest of the listing.
			continue
		}
		for _, p := range protocols {
			if len(wantScheme) > 0 && !wantScheme[p.Scheme] {
				continue
			}
			url, err := r.mgr.BuildAccessURL(rseName, model.DIDRef{Scope: scope, Name: name}, p)
			if err != nil {
				continue
			}
			rec.RSEs[rseName] = append(rec.RSEs[rseName], url)
			if p.Scheme == "srm" {
				rec.SpaceToken = p.ExtendedAttributes["space_token"]
			}
		}
	}
	return rows.Err()
}
