// Package replica owns the replica ledger and the resolver that turns a
// logical identifier into reachable physical locations.
//
// A replica row is (file scope, file name, endpoint) with availability
// state, size/checksums, a lock counter and a tombstone timestamp. Lock
// counts are incremented by the policy engine and decremented by the
// deletion trigger; a replica whose count reaches zero is tombstoned and
// becomes eligible for physical reclamation.
package replica

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/didcat/didcat/pkg/model"
	"github.com/didcat/didcat/pkg/store"
)

// Add registers files as replicas on one endpoint. File DIDs that do not
// exist yet are created implicitly; for existing files the supplied size
// and checksums must match the registration byte-for-byte.
func Add(ctx context.Context, q store.Querier, rseName string, files []model.FileSpec, account string) error {
	now := store.Now()
	for _, f := range files {
		if f.Bytes <= 0 {
			return fmt.Errorf("replica %s: byte size: %w", f.Ref(), model.ErrMissingAttribute)
		}
		if err := EnsureFileDID(ctx, q, f, account); err != nil {
			return err
		}
		_, err := q.ExecContext(ctx,
			`INSERT INTO replicas (scope, name, rse, state, bytes, adler32, md5, lock_cnt, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?)`,
			f.Scope, f.Name, rseName, string(model.ReplicaAvailable), f.Bytes, f.Adler32, f.MD5, now,
		)
		switch store.Classify(err) {
		case store.ViolationNone:
		case store.ViolationUnique:
			return fmt.Errorf("replica %s@%s: %w", f.Ref(), rseName, model.ErrAlreadyExists)
		case store.ViolationForeignKey:
			return fmt.Errorf("replica %s@%s: %w", f.Ref(), rseName, model.ErrNotFound)
		default:
			return fmt.Errorf("add replica %s@%s: %w: %v", f.Ref(), rseName, model.ErrStoreFailure, err)
		}
	}
	return nil
}

// EnsureFileDID creates the file identifier if absent, or verifies that
// the supplied size/checksums match the existing registration. Divergence
// is a consistency mismatch, never a silent overwrite.
func EnsureFileDID(ctx context.Context, q store.Querier, f model.FileSpec, account string) error {
	var (
		didType      string
		bytes        sql.NullInt64
		adler32, md5 sql.NullString
	)
	err := q.QueryRowContext(ctx,
		`SELECT did_type, bytes, adler32, md5 FROM dids WHERE scope = ? AND name = ?`,
		f.Scope, f.Name,
	).Scan(&didType, &bytes, &adler32, &md5)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		_, err = q.ExecContext(ctx,
			`INSERT INTO dids (scope, name, account, did_type, is_open, monotonic, is_new, bytes, adler32, md5, created_at)
			 VALUES (?, ?, ?, ?, NULL, 0, 1, ?, ?, ?, ?)`,
			f.Scope, f.Name, account, string(model.TypeFile), f.Bytes, f.Adler32, f.MD5, store.Now(),
		)
		switch store.Classify(err) {
		case store.ViolationNone:
			return nil
		case store.ViolationForeignKey:
			return fmt.Errorf("file %s: %w", f.Ref(), model.ErrScopeNotFound)
		default:
			return fmt.Errorf("register file %s: %w: %v", f.Ref(), model.ErrStoreFailure, err)
		}
	case err != nil:
		return fmt.Errorf("lookup file %s: %w", f.Ref(), err)
	}

	if model.DIDType(didType) != model.TypeFile {
		return fmt.Errorf("%s is a %s: %w", f.Ref(), didType, model.ErrUnsupportedOperation)
	}
	if bytes.Int64 != f.Bytes ||
		(f.Adler32 != "" && adler32.String != f.Adler32) ||
		(f.MD5 != "" && md5.String != f.MD5) {
		return fmt.Errorf("file %s: registered bytes=%d adler32=%q md5=%q: %w",
			f.Ref(), bytes.Int64, adler32.String, md5.String, model.ErrConsistencyMismatch)
	}
	return nil
}

// Get returns one replica row.
func Get(ctx context.Context, q store.Querier, scope, name, rseName string) (*model.Replica, error) {
	var (
		r         model.Replica
		state     string
		tombstone sql.NullString
	)
	err := q.QueryRowContext(ctx,
		`SELECT scope, name, rse, state, bytes, COALESCE(adler32,''), COALESCE(md5,''), lock_cnt, tombstone_at
		 FROM replicas WHERE scope = ? AND name = ? AND rse = ?`,
		scope, name, rseName,
	).Scan(&r.Scope, &r.Name, &r.RSE, &state, &r.Bytes, &r.Adler32, &r.MD5, &r.LockCount, &tombstone)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("replica %s:%s@%s: %w", scope, name, rseName, model.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	r.State = model.ReplicaState(state)
	if tombstone.Valid {
		ts, parseErr := store.ParseTime(tombstone.String)
		if parseErr != nil {
			return nil, fmt.Errorf("parse tombstone_at for %s:%s@%s: %w", scope, name, rseName, parseErr)
		}
		r.TombstoneAt = &ts
	}
	return &r, nil
}

// SetState updates a replica's availability state.
func SetState(ctx context.Context, q store.Querier, scope, name, rseName string, state model.ReplicaState) error {
	res, err := q.ExecContext(ctx,
		`UPDATE replicas SET state = ? WHERE scope = ? AND name = ? AND rse = ?`,
		string(state), scope, name, rseName,
	)
	if err != nil {
		return fmt.Errorf("set replica state %s:%s@%s: %w", scope, name, rseName, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("replica %s:%s@%s: %w", scope, name, rseName, model.ErrNotFound)
	}
	return nil
}

// ListTombstoned returns up to limit replicas eligible for physical
// reclamation, oldest tombstone first. Consumed by endpoint-side deletion
// workers.
func ListTombstoned(ctx context.Context, q store.Querier, limit int) ([]model.Replica, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := q.QueryContext(ctx,
		`SELECT scope, name, rse, state, bytes, COALESCE(adler32,''), COALESCE(md5,''), lock_cnt, tombstone_at
		 FROM replicas WHERE tombstone_at IS NOT NULL AND lock_cnt = 0
		 ORDER BY tombstone_at ASC, scope ASC, name ASC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Replica
	for rows.Next() {
		var (
			r         model.Replica
			state     string
			tombstone string
		)
		if err := rows.Scan(&r.Scope, &r.Name, &r.RSE, &state, &r.Bytes, &r.Adler32, &r.MD5, &r.LockCount, &tombstone); err != nil {
			return nil, err
		}
		r.State = model.ReplicaState(state)
		ts, parseErr := store.ParseTime(tombstone)
		if parseErr != nil {
			return nil, fmt.Errorf("parse tombstone_at for %s:%s@%s: %w", r.Scope, r.Name, r.RSE, parseErr)
		}
		r.TombstoneAt = &ts
		out = append(out, r)
	}
	return out, rows.Err()
}
