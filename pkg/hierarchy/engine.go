// Package hierarchy validates and applies mutations of the DID tree:
// registration, attach/detach with type-consistency enforcement, status
// changes, and metadata.
//
// Every mutating operation runs inside one store transaction; partial
// effects of a batch are never visible outside it. Structural mutations
// of the same collection are serialized by the store's immediate writer
// transactions.
package hierarchy

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/didcat/didcat/pkg/model"
	"github.com/didcat/didcat/pkg/rule"
	"github.com/didcat/didcat/pkg/store"
)

// MetadataPolicy validates one metadata assignment. Validation rules are
// deployment policy, not engine logic, so the policy is pluggable.
type MetadataPolicy func(did *model.DID, key, value string) error

// AllowAllMetadata accepts every key/value pair.
func AllowAllMetadata(*model.DID, string, string) error { return nil }

// RestrictedKeys accepts only the listed keys.
func RestrictedKeys(keys ...string) MetadataPolicy {
	allowed := make(map[string]bool, len(keys))
	for _, k := range keys {
		allowed[k] = true
	}
	return func(_ *model.DID, key, _ string) error {
		if !allowed[key] {
			return fmt.Errorf("metadata key %q: %w", key, model.ErrUnsupportedOperation)
		}
		return nil
	}
}

// NewDID is a registration request. Only collections can be registered
// directly; files come into existence through attach or replica
// placement.
type NewDID struct {
	Scope     string
	Name      string
	Type      model.DIDType
	Account   string
	Monotonic bool
	Meta      map[string]string
	Rules     []rule.Spec
	Lifetime  time.Duration
}

// Attachment is one parent plus the children to attach beneath it. For a
// dataset parent the children are files (size mandatory, checksums
// optional); for a container parent only the child identities are used.
// RSE, when set, additionally places new files on that endpoint.
type Attachment struct {
	Scope    string
	Name     string
	RSE      string
	Children []model.FileSpec
}

// Engine applies hierarchy mutations against the identifier store and
// association graph.
type Engine struct {
	st    *store.Store
	rules rule.Engine
	log   *zap.Logger

	// MetadataPolicy validates SetMetadata and registration metadata.
	// Defaults to AllowAllMetadata.
	MetadataPolicy MetadataPolicy
}

// New builds an engine. A nil rule engine disables rule registration; a
// nil logger falls back to a no-op logger.
func New(st *store.Store, rules rule.Engine, logger *zap.Logger) *Engine {
	if rules == nil {
		rules = rule.NopEngine{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{st: st, rules: rules, log: logger, MetadataPolicy: AllowAllMetadata}
}

// AddScope registers a namespace partition.
func (e *Engine) AddScope(ctx context.Context, scope, account string) error {
	_, err := e.st.DB().ExecContext(ctx,
		`INSERT INTO scopes (scope, account, created_at) VALUES (?, ?, ?)`,
		scope, account, store.Now(),
	)
	switch store.Classify(err) {
	case store.ViolationNone:
		return nil
	case store.ViolationUnique:
		return fmt.Errorf("scope %s: %w", scope, model.ErrAlreadyExists)
	default:
		return fmt.Errorf("add scope %s: %w: %v", scope, model.ErrStoreFailure, err)
	}
}

// AddDID registers a single collection.
func (e *Engine) AddDID(ctx context.Context, did NewDID) error {
	return e.AddDIDs(ctx, []NewDID{did}, did.Account)
}

// AddDIDs registers collections in bulk, atomically: either every DID in
// the batch is created (with its rules, when supplied) or none is.
func (e *Engine) AddDIDs(ctx context.Context, dids []NewDID, account string) error {
	return e.st.WithTx(ctx, func(tx *sql.Tx) error {
		for _, d := range dids {
			if err := e.addOne(ctx, tx, d, account); err != nil {
				return err
			}
		}
		return nil
	})
}

func (e *Engine) addOne(ctx context.Context, tx *sql.Tx, d NewDID, account string) error {
	if d.Type == model.TypeFile {
		return fmt.Errorf("%s:%s: only collections can be registered: %w", d.Scope, d.Name, model.ErrUnsupportedOperation)
	}
	if !d.Type.IsCollection() {
		return fmt.Errorf("%s:%s: type %q: %w", d.Scope, d.Name, d.Type, model.ErrUnsupportedOperation)
	}
	owner := d.Account
	if owner == "" {
		owner = account
	}

	for k, v := range d.Meta {
		if err := e.MetadataPolicy(nil, k, v); err != nil {
			return err
		}
	}
	meta, err := json.Marshal(d.Meta)
	if err != nil {
		return fmt.Errorf("encode metadata for %s:%s: %w", d.Scope, d.Name, err)
	}
	if d.Meta == nil {
		meta = []byte("{}")
	}

	var expiredAt any
	if d.Lifetime > 0 {
		expiredAt = time.Now().UTC().Add(d.Lifetime).Format(time.RFC3339Nano)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO dids (scope, name, account, did_type, is_open, monotonic, is_new, expired_at, meta, created_at)
		 VALUES (?, ?, ?, ?, 1, ?, 1, ?, ?, ?)`,
		d.Scope, d.Name, owner, string(d.Type), boolToInt(d.Monotonic), expiredAt, string(meta), store.Now(),
	)
	switch store.Classify(err) {
	case store.ViolationNone:
	case store.ViolationUnique:
		return fmt.Errorf("%s:%s: %w", d.Scope, d.Name, model.ErrAlreadyExists)
	case store.ViolationForeignKey:
		return fmt.Errorf("%s:%s: %w", d.Scope, d.Name, model.ErrScopeNotFound)
	default:
		return fmt.Errorf("register %s:%s: %w: %v", d.Scope, d.Name, model.ErrStoreFailure, err)
	}

	if len(d.Rules) > 0 {
		ref := model.DIDRef{Scope: d.Scope, Name: d.Name}
		if err := e.rules.AddRules(ctx, tx, []model.DIDRef{ref}, d.Rules, owner); err != nil {
			return err
		}
	}
	return nil
}

// GetDID retrieves a single data identifier.
func (e *Engine) GetDID(ctx context.Context, scope, name string) (*model.DID, error) {
	return getDID(ctx, e.st.DB(), scope, name)
}

func getDID(ctx context.Context, q store.Querier, scope, name string) (*model.DID, error) {
	var (
		d            model.DID
		didType      string
		isOpen       sql.NullInt64
		bytes        sql.NullInt64
		adler32, md5 sql.NullString
		expired      sql.NullString
		meta         string
		created      string
	)
	err := q.QueryRowContext(ctx,
		`SELECT scope, name, account, did_type, is_open, monotonic, is_new, bytes, adler32, md5, expired_at, meta, created_at
		 FROM dids WHERE scope = ? AND name = ?`, scope, name,
	).Scan(&d.Scope, &d.Name, &d.Account, &didType, &isOpen, &d.Monotonic, &d.IsNew, &bytes, &adler32, &md5, &expired, &meta, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s:%s: %w", scope, name, model.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get %s:%s: %w", scope, name, err)
	}

	d.Type = model.DIDType(didType)
	d.IsOpen = isOpen.Valid && isOpen.Int64 != 0
	d.Bytes = bytes.Int64
	d.Adler32 = adler32.String
	d.MD5 = md5.String
	if expired.Valid {
		ts, parseErr := store.ParseTime(expired.String)
		if parseErr != nil {
			return nil, fmt.Errorf("parse expired_at for %s:%s: %w", scope, name, parseErr)
		}
		d.ExpiredAt = &ts
	}
	d.CreatedAt, err = store.ParseTime(created)
	if err != nil {
		return nil, fmt.Errorf("parse created_at for %s:%s: %w", scope, name, err)
	}
	if err := json.Unmarshal([]byte(meta), &d.Meta); err != nil {
		return nil, fmt.Errorf("decode metadata for %s:%s: %w", scope, name, err)
	}
	return &d, nil
}

// Close marks a collection as closed; further attach is rejected. The
// CLOSE event is recorded for the external event bus.
func (e *Engine) Close(ctx context.Context, scope, name string) error {
	return e.st.WithTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE dids SET is_open = 0
			 WHERE scope = ? AND name = ? AND did_type IN (?, ?) AND is_open = 1`,
			scope, name, string(model.TypeDataset), string(model.TypeContainer),
		)
		if err != nil {
			return fmt.Errorf("close %s:%s: %w: %v", scope, name, model.ErrStoreFailure, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			if _, err := getDID(ctx, tx, scope, name); err != nil {
				return err
			}
			return fmt.Errorf("status of %s:%s cannot be changed: %w", scope, name, model.ErrUnsupportedOperation)
		}

		payload, _ := json.Marshal(model.DIDRef{Scope: scope, Name: name})
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO callbacks (event_type, payload, created_at) VALUES ('CLOSE', ?, ?)`,
			string(payload), store.Now(),
		); err != nil {
			return fmt.Errorf("record close callback for %s:%s: %w", scope, name, err)
		}
		e.log.Debug("collection closed", zap.String("scope", scope), zap.String("name", name))
		return nil
	})
}

// GetMetadata returns the DID's metadata map.
func (e *Engine) GetMetadata(ctx context.Context, scope, name string) (map[string]string, error) {
	d, err := e.GetDID(ctx, scope, name)
	if err != nil {
		return nil, err
	}
	if d.Meta == nil {
		return map[string]string{}, nil
	}
	return d.Meta, nil
}

// SetMetadata assigns one metadata key, subject to the engine's policy.
func (e *Engine) SetMetadata(ctx context.Context, scope, name, key, value string) error {
	return e.st.WithTx(ctx, func(tx *sql.Tx) error {
		d, err := getDID(ctx, tx, scope, name)
		if err != nil {
			return err
		}
		if err := e.MetadataPolicy(d, key, value); err != nil {
			return err
		}
		if d.Meta == nil {
			d.Meta = make(map[string]string, 1)
		}
		d.Meta[key] = value
		meta, err := json.Marshal(d.Meta)
		if err != nil {
			return fmt.Errorf("encode metadata for %s:%s: %w", scope, name, err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE dids SET meta = ? WHERE scope = ? AND name = ?`,
			string(meta), scope, name,
		); err != nil {
			return fmt.Errorf("set metadata on %s:%s: %w: %v", scope, name, model.ErrStoreFailure, err)
		}
		return nil
	})
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
