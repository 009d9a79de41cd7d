package hierarchy

import (
	"context"
	"database/sql"
	"fmt"
	"iter"
	"strings"

	"github.com/didcat/didcat/pkg/model"
)

// Entry is a typed DID reference produced by tree listings.
type Entry struct {
	Scope string        `json:"scope"`
	Name  string        `json:"name"`
	Type  model.DIDType `json:"type"`
}

// ScopeEntry annotates an Entry with its position in a scope listing.
type ScopeEntry struct {
	Entry
	Parent *model.DIDRef `json:"parent,omitempty"`
	Level  int           `json:"level"`
}

// ListContent yields the immediate children of a collection, ordered by
// child name for deterministic pagination. The sequence is lazy and
// restartable per call; the cursor is released when the caller stops.
func (e *Engine) ListContent(ctx context.Context, scope, name string) iter.Seq2[model.Association, error] {
	return func(yield func(model.Association, error) bool) {
		if _, err := e.GetDID(ctx, scope, name); err != nil {
			yield(model.Association{}, err)
			return
		}
		rows, err := e.st.DB().QueryContext(ctx,
			`SELECT scope, name, child_scope, child_name, did_type, child_type,
			        COALESCE(bytes, 0), COALESCE(adler32,''), COALESCE(md5,'')
			 FROM contents WHERE scope = ? AND name = ? ORDER BY child_name ASC`,
			scope, name,
		)
		if err != nil {
			yield(model.Association{}, fmt.Errorf("list content of %s:%s: %w", scope, name, err))
			return
		}
		defer rows.Close()

		for rows.Next() {
			var a model.Association
			var didType, childType string
			if err := rows.Scan(&a.Scope, &a.Name, &a.ChildScope, &a.ChildName,
				&didType, &childType, &a.Bytes, &a.Adler32, &a.MD5); err != nil {
				yield(model.Association{}, err)
				return
			}
			a.Type = model.DIDType(didType)
			a.ChildType = model.DIDType(childType)
			if !yield(a, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(model.Association{}, err)
		}
	}
}

// ListFiles yields every file beneath a DID. A file yields itself; a
// collection is walked with an explicit worklist, visiting each edge
// exactly once. Sizes and checksums come from the attach-time copy on the
// edge.
func (e *Engine) ListFiles(ctx context.Context, scope, name string) iter.Seq2[model.FileSpec, error] {
	return func(yield func(model.FileSpec, error) bool) {
		d, err := e.GetDID(ctx, scope, name)
		if err != nil {
			yield(model.FileSpec{}, err)
			return
		}
		if d.Type == model.TypeFile {
			yield(model.FileSpec{Scope: d.Scope, Name: d.Name, Bytes: d.Bytes, Adler32: d.Adler32, MD5: d.MD5}, nil)
			return
		}

		worklist := []model.DIDRef{{Scope: scope, Name: name}}
		for len(worklist) > 0 {
			next := worklist[len(worklist)-1]
			worklist = worklist[:len(worklist)-1]

			stop := false
			for a, err := range e.ListContent(ctx, next.Scope, next.Name) {
				if err != nil {
					yield(model.FileSpec{}, err)
					return
				}
				if a.ChildType == model.TypeFile {
					f := model.FileSpec{Scope: a.ChildScope, Name: a.ChildName, Bytes: a.Bytes, Adler32: a.Adler32, MD5: a.MD5}
					if !yield(f, nil) {
						stop = true
						break
					}
				} else {
					worklist = append(worklist, a.Child())
				}
			}
			if stop {
				return
			}
		}
	}
}

// ListChildDIDs yields the collection-typed descendants of a DID (files
// excluded). With recursive set, containers are drilled through level by
// level; datasets terminate a branch.
func (e *Engine) ListChildDIDs(ctx context.Context, scope, name string, recursive bool) iter.Seq2[Entry, error] {
	return func(yield func(Entry, error) bool) {
		worklist := []model.DIDRef{{Scope: scope, Name: name}}
		for len(worklist) > 0 {
			next := worklist[len(worklist)-1]
			worklist = worklist[:len(worklist)-1]

			rows, err := e.st.DB().QueryContext(ctx,
				`SELECT child_scope, child_name, child_type FROM contents
				 WHERE scope = ? AND name = ? AND child_type != ?
				 ORDER BY child_name ASC`,
				next.Scope, next.Name, string(model.TypeFile),
			)
			if err != nil {
				yield(Entry{}, fmt.Errorf("list children of %s: %w", next, err))
				return
			}
			for rows.Next() {
				var entry Entry
				var childType string
				if err := rows.Scan(&entry.Scope, &entry.Name, &childType); err != nil {
					rows.Close()
					yield(Entry{}, err)
					return
				}
				entry.Type = model.DIDType(childType)
				if !yield(entry, nil) {
					rows.Close()
					return
				}
				if recursive && entry.Type == model.TypeContainer {
					worklist = append(worklist, model.DIDRef{Scope: entry.Scope, Name: entry.Name})
				}
			}
			if err := rows.Err(); err != nil {
				rows.Close()
				yield(Entry{}, err)
				return
			}
			rows.Close()
		}
	}
}

// ListParentDIDs yields the collections owning a DID: the immediate
// owning edges, or every ancestor when recursive is set.
func (e *Engine) ListParentDIDs(ctx context.Context, scope, name string, recursive bool) iter.Seq2[Entry, error] {
	return func(yield func(Entry, error) bool) {
		worklist := []model.DIDRef{{Scope: scope, Name: name}}
		seen := make(map[model.DIDRef]bool)
		for len(worklist) > 0 {
			next := worklist[len(worklist)-1]
			worklist = worklist[:len(worklist)-1]

			rows, err := e.st.DB().QueryContext(ctx,
				`SELECT scope, name, did_type FROM contents
				 WHERE child_scope = ? AND child_name = ? ORDER BY name ASC`,
				next.Scope, next.Name,
			)
			if err != nil {
				yield(Entry{}, fmt.Errorf("list parents of %s: %w", next, err))
				return
			}
			for rows.Next() {
				var entry Entry
				var didType string
				if err := rows.Scan(&entry.Scope, &entry.Name, &didType); err != nil {
					rows.Close()
					yield(Entry{}, err)
					return
				}
				entry.Type = model.DIDType(didType)
				ref := model.DIDRef{Scope: entry.Scope, Name: entry.Name}
				if seen[ref] {
					continue
				}
				seen[ref] = true
				if !yield(entry, nil) {
					rows.Close()
					return
				}
				if recursive {
					worklist = append(worklist, ref)
				}
			}
			if err := rows.Err(); err != nil {
				rows.Close()
				yield(Entry{}, err)
				return
			}
			rows.Close()
		}
	}
}

// ScopeList yields the identifiers of a scope. With name unset it starts
// from the scope's top-level DIDs (those not contained by a same-scope
// parent); with a name it drills down from that DID. Entries carry their
// parent and depth so callers can rebuild the tree shape.
func (e *Engine) ScopeList(ctx context.Context, scope, name string, recursive bool) iter.Seq2[ScopeEntry, error] {
	return func(yield func(ScopeEntry, error) bool) {
		var tops []ScopeEntry
		if name == "" {
			rows, err := e.st.DB().QueryContext(ctx,
				`SELECT name, did_type FROM dids WHERE scope = ?
				 AND name NOT IN (SELECT child_name FROM contents WHERE scope = ? AND child_scope = ?)
				 ORDER BY name ASC`,
				scope, scope, scope,
			)
			if err != nil {
				yield(ScopeEntry{}, fmt.Errorf("list scope %s: %w", scope, err))
				return
			}
			for rows.Next() {
				var entry ScopeEntry
				var didType string
				entry.Scope = scope
				if err := rows.Scan(&entry.Name, &didType); err != nil {
					rows.Close()
					yield(ScopeEntry{}, err)
					return
				}
				entry.Type = model.DIDType(didType)
				tops = append(tops, entry)
			}
			if err := rows.Err(); err != nil {
				rows.Close()
				yield(ScopeEntry{}, err)
				return
			}
			rows.Close()

			for _, top := range tops {
				if !yield(top, nil) {
					return
				}
				if recursive && !e.drill(ctx, top, true, yield) {
					return
				}
			}
			return
		}

		d, err := e.GetDID(ctx, scope, name)
		if err != nil {
			yield(ScopeEntry{}, err)
			return
		}
		top := ScopeEntry{Entry: Entry{Scope: d.Scope, Name: d.Name, Type: d.Type}}
		e.drill(ctx, top, recursive, yield)
	}
}

// drill emits the entries beneath parent with an explicit stack, children
// depth-first in ascending name order. With recursive unset only the
// immediate children are emitted. Returns false once the consumer stops.
func (e *Engine) drill(ctx context.Context, parent ScopeEntry, recursive bool, yield func(ScopeEntry, error) bool) bool {
	stack, err := e.childEntries(ctx, parent)
	if err != nil {
		yield(ScopeEntry{}, err)
		return false
	}
	reverse(stack)

	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if !yield(cur, nil) {
			return false
		}
		if !recursive || cur.Type == model.TypeFile {
			continue
		}
		children, err := e.childEntries(ctx, cur)
		if err != nil {
			yield(ScopeEntry{}, err)
			return false
		}
		reverse(children)
		stack = append(stack, children...)
	}
	return true
}

func (e *Engine) childEntries(ctx context.Context, parent ScopeEntry) ([]ScopeEntry, error) {
	var out []ScopeEntry
	for a, err := range e.ListContent(ctx, parent.Scope, parent.Name) {
		if err != nil {
			return nil, err
		}
		out = append(out, ScopeEntry{
			Entry:  Entry{Scope: a.ChildScope, Name: a.ChildName, Type: a.ChildType},
			Parent: &model.DIDRef{Scope: parent.Scope, Name: parent.Name},
			Level:  parent.Level + 1,
		})
	}
	return out, nil
}

func reverse(entries []ScopeEntry) {
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
}

// SearchKind selects which DID kinds a search covers.
type SearchKind string

const (
	SearchAll        SearchKind = "all"
	SearchCollection SearchKind = "collection"
	SearchContainer  SearchKind = "container"
	SearchDataset    SearchKind = "dataset"
	SearchFile       SearchKind = "file"
)

// SearchDIDs yields DID names in a scope matching the filters. Filter
// keys are column names (name, account); string values may carry the *
// wildcard. Unknown keys fail the search.
func (e *Engine) SearchDIDs(ctx context.Context, scope string, filters map[string]string, kind SearchKind, limit int) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		query := `SELECT name FROM dids WHERE scope = ?`
		args := []any{scope}

		switch kind {
		case SearchAll:
		case SearchCollection:
			query += ` AND did_type IN (?, ?)`
			args = append(args, string(model.TypeDataset), string(model.TypeContainer))
		case SearchContainer:
			query += ` AND did_type = ?`
			args = append(args, string(model.TypeContainer))
		case SearchDataset:
			query += ` AND did_type = ?`
			args = append(args, string(model.TypeDataset))
		case SearchFile:
			query += ` AND did_type = ?`
			args = append(args, string(model.TypeFile))
		default:
			yield("", fmt.Errorf("search kind %q: %w", kind, model.ErrUnsupportedOperation))
			return
		}

		for k, v := range filters {
			switch k {
			case "name", "account":
			default:
				yield("", fmt.Errorf("filter key %q: %w", k, model.ErrNotFound))
				return
			}
			if strings.ContainsAny(v, "*%") {
				query += ` AND ` + k + ` LIKE ?`
				args = append(args, strings.ReplaceAll(v, "*", "%"))
			} else {
				query += ` AND ` + k + ` = ?`
				args = append(args, v)
			}
		}

		query += ` ORDER BY name ASC`
		if limit > 0 {
			query += ` LIMIT ?`
			args = append(args, limit)
		}

		rows, err := e.st.DB().QueryContext(ctx, query, args...)
		if err != nil {
			yield("", fmt.Errorf("search dids in %s: %w", scope, err))
			return
		}
		defer rows.Close()
		for rows.Next() {
			var name string
			if err := rows.Scan(&name); err != nil {
				yield("", err)
				return
			}
			if !yield(name, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield("", err)
		}
	}
}

// ListNewDIDs returns recently registered identifiers not yet seen by the
// policy engine, optionally filtered by kind.
func (e *Engine) ListNewDIDs(ctx context.Context, kind model.DIDType, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT scope, name, did_type FROM dids WHERE is_new = 1`
	args := []any{}
	if kind != "" {
		query += ` AND did_type = ?`
		args = append(args, string(kind))
	}
	query += ` ORDER BY created_at ASC, scope ASC, name ASC LIMIT ?`
	args = append(args, limit)

	rows, err := e.st.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var entry Entry
		var didType string
		if err := rows.Scan(&entry.Scope, &entry.Name, &didType); err != nil {
			return nil, err
		}
		entry.Type = model.DIDType(didType)
		out = append(out, entry)
	}
	return out, rows.Err()
}

// SetNewDIDs flips the is_new flag; the policy engine acknowledges
// identifiers it has picked up by clearing it.
func (e *Engine) SetNewDIDs(ctx context.Context, dids []model.DIDRef, newFlag bool) error {
	return e.st.WithTx(ctx, func(tx *sql.Tx) error {
		for _, d := range dids {
			res, err := tx.ExecContext(ctx,
				`UPDATE dids SET is_new = ? WHERE scope = ? AND name = ?`,
				boolToInt(newFlag), d.Scope, d.Name,
			)
			if err != nil {
				return fmt.Errorf("set is_new on %s: %w: %v", d, model.ErrStoreFailure, err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			if n == 0 {
				return fmt.Errorf("%s: %w", d, model.ErrNotFound)
			}
		}
		return nil
	})
}
