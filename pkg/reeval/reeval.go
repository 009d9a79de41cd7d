// Package reeval is the re-evaluation signaling queue.
//
// Structural changes to a collection (attach, detach) append an entry the
// external policy engine later consumes to reconsider replication rules.
// The queue is an idempotent per-DID upsert: a second entry for the same
// DID merges reasons (ATTACH followed by DETACH becomes BOTH) instead of
// duplicating.
package reeval

import (
	"context"
	"fmt"

	"github.com/didcat/didcat/pkg/model"
	"github.com/didcat/didcat/pkg/store"
)

// Enqueue records that the DID's structure changed. Repeating the same
// reason is a no-op; differing reasons coalesce to BOTH. Runs against the
// caller's Querier so it participates in the enclosing mutation's
// transaction.
func Enqueue(ctx context.Context, q store.Querier, scope, name string, reason model.ReEvalReason) error {
	_, err := q.ExecContext(ctx,
		`INSERT INTO updated_dids (scope, name, reason, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(scope, name) DO UPDATE SET
		   reason = CASE WHEN updated_dids.reason = excluded.reason
		                 THEN excluded.reason ELSE ? END,
		   updated_at = excluded.updated_at`,
		scope, name, string(reason), store.Now(), string(model.ReasonBoth),
	)
	if err != nil {
		return fmt.Errorf("enqueue re-evaluation for %s:%s: %w", scope, name, err)
	}
	return nil
}

// Drain returns up to limit pending entries in update order. Entries stay
// queued: dequeue/ack is the policy engine's responsibility.
func Drain(ctx context.Context, q store.Querier, limit int) ([]model.UpdatedDID, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := q.QueryContext(ctx,
		`SELECT scope, name, reason, updated_at FROM updated_dids
		 ORDER BY updated_at ASC, scope ASC, name ASC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var pending []model.UpdatedDID
	for rows.Next() {
		var u model.UpdatedDID
		var reason, updated string
		if err := rows.Scan(&u.Scope, &u.Name, &reason, &updated); err != nil {
			return nil, err
		}
		u.Reason = model.ReEvalReason(reason)
		var parseErr error
		u.UpdatedAt, parseErr = store.ParseTime(updated)
		if parseErr != nil {
			return nil, fmt.Errorf("parse updated_at for %s:%s: %w", u.Scope, u.Name, parseErr)
		}
		pending = append(pending, u)
	}
	return pending, rows.Err()
}
