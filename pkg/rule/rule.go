// Package rule is the boundary to the external replication-policy engine.
//
// The catalog consumes the engine synchronously during bulk registration
// (AddRules) and produces work for it through the re-evaluation queue. The
// engine owns lock creation: it increments replica lock counts when a rule
// pins a replica. The catalog only ever decrements counts and removes
// rule/lock rows during cascading deletion.
package rule

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/didcat/didcat/pkg/model"
	"github.com/didcat/didcat/pkg/store"
)

// Spec is a replication request attached to a registration: keep Copies
// replicas on endpoints matching RSEExpression.
type Spec struct {
	Copies        int    `json:"copies"`
	RSEExpression string `json:"rse_expression"`
}

// Engine is the policy-engine collaborator. Failures propagate unchanged
// to the registration caller.
type Engine interface {
	AddRules(ctx context.Context, q store.Querier, dids []model.DIDRef, rules []Spec, account string) error
}

// StoreEngine records rules in the catalog's rule table and leaves
// evaluation (placement, lock creation) to the external engine that
// drains the re-evaluation queue.
type StoreEngine struct{}

func (StoreEngine) AddRules(ctx context.Context, q store.Querier, dids []model.DIDRef, rules []Spec, account string) error {
	now := store.Now()
	for _, did := range dids {
		for _, r := range rules {
			copies := r.Copies
			if copies <= 0 {
				copies = 1
			}
			_, err := q.ExecContext(ctx,
				`INSERT INTO rules (id, scope, name, account, copies, rse_expression, created_at)
				 VALUES (?, ?, ?, ?, ?, ?, ?)`,
				uuid.NewString(), did.Scope, did.Name, account, copies, r.RSEExpression, now,
			)
			if err != nil {
				return fmt.Errorf("add rule for %s: %w", did, err)
			}
		}
	}
	return nil
}

// NopEngine ignores rule requests; used when no policy engine is wired.
type NopEngine struct{}

func (NopEngine) AddRules(context.Context, store.Querier, []model.DIDRef, []Spec, string) error {
	return nil
}

var (
	_ Engine = StoreEngine{}
	_ Engine = NopEngine{}
)

// ListForDID returns the rules bound to one DID, ordered by creation.
func ListForDID(ctx context.Context, q store.Querier, scope, name string) ([]model.Rule, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT id, scope, name, account, copies, rse_expression, created_at
		 FROM rules WHERE scope = ? AND name = ? ORDER BY created_at ASC, id ASC`,
		scope, name,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []model.Rule
	for rows.Next() {
		var r model.Rule
		var created string
		if err := rows.Scan(&r.ID, &r.Scope, &r.Name, &r.Account, &r.Copies, &r.RSEExpression, &created); err != nil {
			return nil, err
		}
		var parseErr error
		r.CreatedAt, parseErr = store.ParseTime(created)
		if parseErr != nil {
			return nil, fmt.Errorf("parse created_at for rule %s: %w", r.ID, parseErr)
		}
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

// LockReplica pins (scope, name, rse) under ruleID and increments the
// replica's lock count. This is the policy engine's write path: the
// catalog core never increments lock counts itself.
func LockReplica(ctx context.Context, q store.Querier, ruleID, scope, name, rseName string) error {
	res, err := q.ExecContext(ctx,
		`UPDATE replicas SET lock_cnt = lock_cnt + 1, tombstone_at = NULL
		 WHERE scope = ? AND name = ? AND rse = ?`,
		scope, name, rseName,
	)
	if err != nil {
		return fmt.Errorf("lock replica %s:%s@%s: %w", scope, name, rseName, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("lock replica %s:%s@%s: %w", scope, name, rseName, model.ErrNotFound)
	}
	_, err = q.ExecContext(ctx,
		`INSERT INTO locks (rule_id, scope, name, rse, created_at) VALUES (?, ?, ?, ?, ?)`,
		ruleID, scope, name, rseName, store.Now(),
	)
	if err != nil {
		return fmt.Errorf("record lock for rule %s: %w", ruleID, err)
	}
	return nil
}

// LockDataset records a dataset-level lock held by a rule on an endpoint.
func LockDataset(ctx context.Context, q store.Querier, ruleID, scope, name, rseName string) error {
	_, err := q.ExecContext(ctx,
		`INSERT INTO dataset_locks (rule_id, scope, name, rse, created_at) VALUES (?, ?, ?, ?, ?)`,
		ruleID, scope, name, rseName, store.Now(),
	)
	if err != nil {
		return fmt.Errorf("record dataset lock for rule %s: %w", ruleID, err)
	}
	return nil
}
