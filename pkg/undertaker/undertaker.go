// Package undertaker removes collections and reclaims what they pinned.
//
// Deleting a CONTAINER or DATASET cascades in a strict order that keeps
// referential integrity: resolve the replication rules bound to the
// targets, release the replica locks those rules hold (tombstoning
// replicas whose count reaches zero), drop the rule rows, drop the graph
// edges on both sides, and finally drop the DID rows. The whole sequence
// runs inside one transaction so readers never observe a partial cascade.
package undertaker

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/didcat/didcat/pkg/model"
	"github.com/didcat/didcat/pkg/store"
)

// queryBatchSize bounds OR-ed predicates per statement.
const queryBatchSize = 10

// Engine applies cascading deletion against the store.
type Engine struct {
	st  *store.Store
	log *zap.Logger
}

// New builds an undertaker engine. A nil logger falls back to a no-op
// logger.
func New(st *store.Store, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{st: st, log: logger}
}

// Result summarizes one deletion cascade.
type Result struct {
	DeletedDIDs        int64
	DeletedRules       int64
	ReleasedLocks      int64
	TombstonedReplicas int64
}

// DeleteDIDs removes collections and everything they pin. Only CONTAINER
// and DATASET identifiers are deletable through this path; file DIDs are
// never cascade-deleted, only their edges and locks. If fewer rows are
// deleted than distinct targets requested, the whole call fails with
// ErrNotFound and the transaction rolls back (bulk deletes fully apply or
// fully fail).
func (e *Engine) DeleteDIDs(ctx context.Context, targets []model.DIDRef) (Result, error) {
	var res Result

	distinct := make([]model.DIDRef, 0, len(targets))
	seen := make(map[model.DIDRef]bool, len(targets))
	for _, t := range targets {
		if !seen[t] {
			seen[t] = true
			distinct = append(distinct, t)
		}
	}
	if len(distinct) == 0 {
		return res, nil
	}

	err := e.st.WithTx(ctx, func(tx *sql.Tx) error {
		// 1. Resolve the replication rules bound to any target.
		ruleIDs, err := e.ruleIDs(ctx, tx, distinct)
		if err != nil {
			return err
		}

		// 2. Release the replica locks those rules hold. One decrement
		// per lock row, as a single atomic arithmetic update; the
		// tombstone is set by a conditional update guarded on NULL so
		// the transition happens exactly once per replica.
		lockRows, err := e.lockRows(ctx, tx, ruleIDs)
		if err != nil {
			return err
		}
		now := store.Now()
		for _, l := range lockRows {
			if _, err := tx.ExecContext(ctx,
				`UPDATE replicas SET lock_cnt = MAX(lock_cnt - 1, 0)
				 WHERE scope = ? AND name = ? AND rse = ?`,
				l.Scope, l.Name, l.RSE,
			); err != nil {
				return fmt.Errorf("release lock on %s:%s@%s: %w", l.Scope, l.Name, l.RSE, err)
			}
			tomb, err := tx.ExecContext(ctx,
				`UPDATE replicas SET tombstone_at = ?
				 WHERE scope = ? AND name = ? AND rse = ? AND lock_cnt = 0 AND tombstone_at IS NULL`,
				now, l.Scope, l.Name, l.RSE,
			)
			if err != nil {
				return fmt.Errorf("tombstone %s:%s@%s: %w", l.Scope, l.Name, l.RSE, err)
			}
			n, err := tomb.RowsAffected()
			if err != nil {
				return err
			}
			res.TombstonedReplicas += n
			res.ReleasedLocks++
		}

		// 3-5. Drop lock, dataset-lock, and rule rows.
		for _, batch := range store.Chunks(ruleIDs, queryBatchSize) {
			in, args := placeholders(batch)
			if _, err := tx.ExecContext(ctx, `DELETE FROM locks WHERE rule_id IN (`+in+`)`, args...); err != nil {
				return fmt.Errorf("delete locks: %w", err)
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM dataset_locks WHERE rule_id IN (`+in+`)`, args...); err != nil {
				return fmt.Errorf("delete dataset locks: %w", err)
			}
			del, err := tx.ExecContext(ctx, `DELETE FROM rules WHERE id IN (`+in+`)`, args...)
			if err != nil {
				return fmt.Errorf("delete rules: %w", err)
			}
			n, err := del.RowsAffected()
			if err != nil {
				return err
			}
			res.DeletedRules += n
		}

		// 6. Detach the targets from any surviving parent.
		for _, batch := range store.Chunks(distinct, queryBatchSize) {
			pred, args := refPredicate("child_scope", "child_name", batch)
			if _, err := tx.ExecContext(ctx, `DELETE FROM contents WHERE `+pred, args...); err != nil {
				return fmt.Errorf("delete parent edges: %w", err)
			}
		}

		// 7. Drop the targets' own content listings.
		for _, batch := range store.Chunks(distinct, queryBatchSize) {
			pred, args := refPredicate("scope", "name", batch)
			if _, err := tx.ExecContext(ctx, `DELETE FROM contents WHERE `+pred, args...); err != nil {
				return fmt.Errorf("delete child edges: %w", err)
			}
		}

		// 8. Drop the DID rows, collections only.
		for _, batch := range store.Chunks(distinct, queryBatchSize) {
			pred, args := refPredicate("scope", "name", batch)
			args = append(args, string(model.TypeDataset), string(model.TypeContainer))
			del, err := tx.ExecContext(ctx,
				`DELETE FROM dids WHERE (`+pred+`) AND did_type IN (?, ?)`, args...)
			if err != nil {
				return fmt.Errorf("delete dids: %w", err)
			}
			n, err := del.RowsAffected()
			if err != nil {
				return err
			}
			res.DeletedDIDs += n
		}

		if res.DeletedDIDs < int64(len(distinct)) {
			return fmt.Errorf("datasets or containers not found: %w", model.ErrNotFound)
		}
		return nil
	})
	if err != nil {
		return Result{}, err
	}

	e.log.Debug("deleted dids",
		zap.Int64("dids", res.DeletedDIDs),
		zap.Int64("rules", res.DeletedRules),
		zap.Int64("locks", res.ReleasedLocks),
		zap.Int64("tombstoned", res.TombstonedReplicas),
	)
	return res, nil
}

func (e *Engine) ruleIDs(ctx context.Context, tx *sql.Tx, targets []model.DIDRef) ([]string, error) {
	var ids []string
	for _, batch := range store.Chunks(targets, queryBatchSize) {
		pred, args := refPredicate("scope", "name", batch)
		rows, err := tx.QueryContext(ctx, `SELECT id FROM rules WHERE `+pred, args...)
		if err != nil {
			return nil, fmt.Errorf("resolve rules: %w", err)
		}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return nil, err
			}
			ids = append(ids, id)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, err
		}
		rows.Close()
	}
	return ids, nil
}

func (e *Engine) lockRows(ctx context.Context, tx *sql.Tx, ruleIDs []string) ([]model.ReplicaLock, error) {
	var locks []model.ReplicaLock
	for _, batch := range store.Chunks(ruleIDs, queryBatchSize) {
		in, args := placeholders(batch)
		rows, err := tx.QueryContext(ctx,
			`SELECT rule_id, scope, name, rse FROM locks WHERE rule_id IN (`+in+`)`, args...)
		if err != nil {
			return nil, fmt.Errorf("resolve locks: %w", err)
		}
		for rows.Next() {
			var l model.ReplicaLock
			if err := rows.Scan(&l.RuleID, &l.Scope, &l.Name, &l.RSE); err != nil {
				rows.Close()
				return nil, err
			}
			locks = append(locks, l)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, err
		}
		rows.Close()
	}
	return locks, nil
}

// ListExpired returns expired identifiers for one worker's shard.
// (workerNumber, totalWorkers) partition rows by a stable hash of the
// name, so sweepers run disjointly without coordination. totalWorkers <= 1
// claims everything.
func (e *Engine) ListExpired(ctx context.Context, workerNumber, totalWorkers, limit int) ([]model.DIDRef, error) {
	rows, err := e.st.DB().QueryContext(ctx,
		`SELECT scope, name FROM dids
		 WHERE expired_at IS NOT NULL AND expired_at < ?
		 ORDER BY expired_at ASC, scope ASC, name ASC`,
		time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return nil, fmt.Errorf("list expired dids: %w", err)
	}
	defer rows.Close()

	var out []model.DIDRef
	for rows.Next() {
		var ref model.DIDRef
		if err := rows.Scan(&ref.Scope, &ref.Name); err != nil {
			return nil, err
		}
		if totalWorkers > 1 && store.ShardOf(ref.Name, totalWorkers) != workerNumber {
			continue
		}
		out = append(out, ref)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, rows.Err()
}

func refPredicate(scopeCol, nameCol string, refs []model.DIDRef) (string, []any) {
	pred := `(` + scopeCol + ` = ? AND ` + nameCol + ` = ?)`
	args := make([]any, 0, len(refs)*2)
	for i, r := range refs {
		if i > 0 {
			pred += ` OR (` + scopeCol + ` = ? AND ` + nameCol + ` = ?)`
		}
		args = append(args, r.Scope, r.Name)
	}
	return pred, args
}

func placeholders(vals []string) (string, []any) {
	in := ""
	args := make([]any, 0, len(vals))
	for i, v := range vals {
		if i > 0 {
			in += ", "
		}
		in += "?"
		args = append(args, v)
	}
	return in, args
}
