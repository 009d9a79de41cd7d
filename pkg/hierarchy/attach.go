package hierarchy

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/didcat/didcat/pkg/model"
	"github.com/didcat/didcat/pkg/reeval"
	"github.com/didcat/didcat/pkg/replica"
	"github.com/didcat/didcat/pkg/store"
)

// queryBatchSize bounds OR-ed predicates per child-resolution query, to
// respect store-side predicate-count limits.
const queryBatchSize = 10

// Attach appends children to one collection. See AttachMany.
func (e *Engine) Attach(ctx context.Context, scope, name string, children []model.FileSpec, account, rseName string) error {
	return e.AttachMany(ctx, []Attachment{{Scope: scope, Name: name, RSE: rseName, Children: children}}, account)
}

// AttachMany appends content to collections in bulk. The whole batch is
// one transaction: either every edge of every attachment becomes visible
// or none does. Each successfully mutated parent is queued for rule
// re-evaluation with reason ATTACH (merged to BOTH if a DETACH is already
// pending).
//
// Dataset parents take file children; a file DID that does not exist yet
// is created implicitly from the supplied size/checksums, and placed on
// the attachment's endpoint when one is given. Container parents take
// dataset or container children, which must already exist and must match
// the kind of their siblings.
func (e *Engine) AttachMany(ctx context.Context, attachments []Attachment, account string) error {
	return e.st.WithTx(ctx, func(tx *sql.Tx) error {
		parents := make([]model.DIDRef, 0, len(attachments))
		for _, att := range attachments {
			parent, err := lockParent(ctx, tx, att.Scope, att.Name)
			if err != nil {
				return err
			}
			if !parent.IsOpen {
				return fmt.Errorf("%s:%s: %w", att.Scope, att.Name, model.ErrClosed)
			}

			switch parent.Type {
			case model.TypeDataset:
				err = e.addFilesToDataset(ctx, tx, att, account)
			case model.TypeContainer:
				err = e.addCollectionsToContainer(ctx, tx, att)
			}
			if err != nil {
				return err
			}
			parents = append(parents, parent.Ref())
		}

		for _, p := range parents {
			if err := reeval.Enqueue(ctx, tx, p.Scope, p.Name, model.ReasonAttach); err != nil {
				return err
			}
		}
		e.log.Debug("attached", zap.Int("parents", len(parents)))
		return nil
	})
}

// Detach removes child edges from a collection. Closed collections may
// still be detached from (reopening is owner policy, not engine policy),
// but monotonic collections may never shrink. Each removed edge queues a
// DETACH re-evaluation for the parent.
func (e *Engine) Detach(ctx context.Context, scope, name string, children []model.DIDRef) error {
	return e.st.WithTx(ctx, func(tx *sql.Tx) error {
		parent, err := lockParent(ctx, tx, scope, name)
		if err != nil {
			return err
		}
		if parent.Monotonic {
			return fmt.Errorf("%s:%s: %w", scope, name, model.ErrMonotonicViolation)
		}

		var one int
		err = tx.QueryRowContext(ctx,
			`SELECT 1 FROM contents WHERE scope = ? AND name = ? LIMIT 1`, scope, name,
		).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%s:%s has no child data identifiers: %w", scope, name, model.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("inspect content of %s:%s: %w", scope, name, err)
		}

		for _, child := range children {
			if child.Scope == scope && child.Name == name {
				return fmt.Errorf("detach %s from itself: %w", child, model.ErrSelfReference)
			}
			res, err := tx.ExecContext(ctx,
				`DELETE FROM contents WHERE scope = ? AND name = ? AND child_scope = ? AND child_name = ?`,
				scope, name, child.Scope, child.Name,
			)
			if err != nil {
				return fmt.Errorf("detach %s from %s:%s: %w: %v", child, scope, name, model.ErrStoreFailure, err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			if n == 0 {
				return fmt.Errorf("%s not found under %s:%s: %w", child, scope, name, model.ErrNotFound)
			}
		}

		return reeval.Enqueue(ctx, tx, scope, name, model.ReasonDetach)
	})
}

// lockParent loads the parent collection inside the writer transaction.
// The transaction is opened IMMEDIATE, so concurrent structural mutation
// of the same collection serializes here.
func lockParent(ctx context.Context, tx *sql.Tx, scope, name string) (*model.DID, error) {
	d, err := getDID(ctx, tx, scope, name)
	if err != nil {
		return nil, err
	}
	if !d.Type.IsCollection() {
		return nil, fmt.Errorf("%s:%s is a %s: %w", scope, name, d.Type, model.ErrNotFound)
	}
	return d, nil
}

func (e *Engine) addFilesToDataset(ctx context.Context, tx *sql.Tx, att Attachment, account string) error {
	for _, f := range att.Children {
		if f.Scope == att.Scope && f.Name == att.Name {
			return fmt.Errorf("attach %s to itself: %w", f.Ref(), model.ErrSelfReference)
		}
		if f.Bytes <= 0 {
			return fmt.Errorf("file %s: byte size: %w", f.Ref(), model.ErrMissingAttribute)
		}
	}

	if att.RSE != "" {
		// Physical placement alongside the logical attach.
		if err := replica.Add(ctx, tx, att.RSE, att.Children, account); err != nil {
			return err
		}
	} else {
		for _, f := range att.Children {
			if err := replica.EnsureFileDID(ctx, tx, f, account); err != nil {
				return err
			}
		}
	}

	now := store.Now()
	for _, f := range att.Children {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO contents (scope, name, child_scope, child_name, did_type, child_type, bytes, adler32, md5, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			att.Scope, att.Name, f.Scope, f.Name,
			string(model.TypeDataset), string(model.TypeFile), f.Bytes, f.Adler32, f.MD5, now,
		)
		switch store.Classify(err) {
		case store.ViolationNone:
		case store.ViolationUnique:
			return fmt.Errorf("%s already attached to %s:%s: %w", f.Ref(), att.Scope, att.Name, model.ErrAlreadyExists)
		case store.ViolationForeignKey:
			return fmt.Errorf("%s: %w", f.Ref(), model.ErrNotFound)
		default:
			return fmt.Errorf("attach %s to %s:%s: %w: %v", f.Ref(), att.Scope, att.Name, model.ErrStoreFailure, err)
		}
	}
	return nil
}

func (e *Engine) addCollectionsToContainer(ctx context.Context, tx *sql.Tx, att Attachment) error {
	for _, c := range att.Children {
		if c.Scope == att.Scope && c.Name == att.Name {
			return fmt.Errorf("attach %s to itself: %w", c.Ref(), model.ErrSelfReference)
		}
	}

	// Resolve the children and enforce type-homogeneous fan-out within
	// the batch.
	available := make(map[model.DIDRef]model.DIDType, len(att.Children))
	var childType model.DIDType
	for _, batch := range store.Chunks(att.Children, queryBatchSize) {
		pred := `(scope = ? AND name = ?)`
		args := []any{string(model.TypeDataset), string(model.TypeContainer)}
		for i, c := range batch {
			if i > 0 {
				pred += ` OR (scope = ? AND name = ?)`
			}
			args = append(args, c.Scope, c.Name)
		}
		rows, err := tx.QueryContext(ctx,
			`SELECT scope, name, did_type FROM dids
			 WHERE did_type IN (?, ?) AND (`+pred+`)`, args...,
		)
		if err != nil {
			return fmt.Errorf("resolve children of %s:%s: %w", att.Scope, att.Name, err)
		}
		for rows.Next() {
			var ref model.DIDRef
			var didType string
			if err := rows.Scan(&ref.Scope, &ref.Name, &didType); err != nil {
				rows.Close()
				return err
			}
			if childType == "" {
				childType = model.DIDType(didType)
			}
			if childType != model.DIDType(didType) {
				rows.Close()
				return fmt.Errorf("%s is a %s (expected %s): %w", ref, didType, childType, model.ErrMixedKind)
			}
			available[ref] = model.DIDType(didType)
		}
		if err := rows.Close(); err != nil {
			return err
		}
		if err := rows.Err(); err != nil {
			return err
		}
	}

	for _, c := range att.Children {
		if _, ok := available[c.Ref()]; !ok {
			return fmt.Errorf("%s: %w", c.Ref(), model.ErrNotFound)
		}
	}

	// New children must also match the kind of existing siblings.
	var siblingType string
	err := tx.QueryRowContext(ctx,
		`SELECT child_type FROM contents WHERE scope = ? AND name = ? LIMIT 1`,
		att.Scope, att.Name,
	).Scan(&siblingType)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("inspect content of %s:%s: %w", att.Scope, att.Name, err)
	}
	if err == nil && childType != "" && model.DIDType(siblingType) != childType {
		return fmt.Errorf("%s:%s holds %s children (got %s): %w",
			att.Scope, att.Name, siblingType, childType, model.ErrMixedKind)
	}

	now := store.Now()
	for _, c := range att.Children {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO contents (scope, name, child_scope, child_name, did_type, child_type, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			att.Scope, att.Name, c.Scope, c.Name,
			string(model.TypeContainer), string(available[c.Ref()]), now,
		)
		switch store.Classify(err) {
		case store.ViolationNone:
		case store.ViolationUnique:
			return fmt.Errorf("%s already attached to %s:%s: %w", c.Ref(), att.Scope, att.Name, model.ErrAlreadyExists)
		case store.ViolationForeignKey:
			return fmt.Errorf("%s: %w", c.Ref(), model.ErrNotFound)
		default:
			return fmt.Errorf("attach %s to %s:%s: %w: %v", c.Ref(), att.Scope, att.Name, model.ErrStoreFailure, err)
		}
	}
	return nil
}
