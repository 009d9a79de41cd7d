// Package model defines the core domain types for didcat.
//
// The catalog names logical data with hierarchical identifiers (DIDs):
//
//   - A FILE is a leaf naming one logical byte stream; it carries a size
//     and checksums, and is realized by replicas on storage endpoints.
//   - A DATASET groups files.
//   - A CONTAINER groups datasets or other containers.
//
// Identity is the (scope, name) pair, globally unique and immutable once
// registered. The tree is acyclic by construction: edges are only created
// through attach, which rejects self-references and mixed child kinds.
package model

import (
	"fmt"
	"strings"
	"time"
)

// DIDType enumerates the kinds of data identifiers.
type DIDType string

const (
	TypeFile      DIDType = "FILE"
	TypeDataset   DIDType = "DATASET"
	TypeContainer DIDType = "CONTAINER"
)

// IsCollection reports whether the type can hold children.
func (t DIDType) IsCollection() bool {
	return t == TypeDataset || t == TypeContainer
}

// ParseDIDType converts a symbol into a DIDType, case-insensitively.
func ParseDIDType(s string) (DIDType, error) {
	switch t := DIDType(strings.ToUpper(s)); t {
	case TypeFile, TypeDataset, TypeContainer:
		return t, nil
	}
	return "", fmt.Errorf("unknown did type %q", s)
}

// ReplicaState enumerates the availability of a replica.
type ReplicaState string

const (
	ReplicaAvailable   ReplicaState = "AVAILABLE"
	ReplicaUnavailable ReplicaState = "UNAVAILABLE"
)

// ReEvalReason marks why a DID needs rule re-evaluation. Reasons form a
// small lattice: ATTACH and DETACH both join to BOTH.
type ReEvalReason string

const (
	ReasonAttach ReEvalReason = "ATTACH"
	ReasonDetach ReEvalReason = "DETACH"
	ReasonBoth   ReEvalReason = "BOTH"
)

// Merge joins two reasons: equal reasons are idempotent, differing reasons
// coalesce to BOTH.
func (r ReEvalReason) Merge(other ReEvalReason) ReEvalReason {
	if r == other {
		return r
	}
	return ReasonBoth
}

// DIDRef is a bare (scope, name) reference.
type DIDRef struct {
	Scope string `json:"scope"`
	Name  string `json:"name"`
}

func (r DIDRef) String() string { return r.Scope + ":" + r.Name }

// DID is a registered data identifier.
type DID struct {
	Scope     string            `json:"scope"`
	Name      string            `json:"name"`
	Account   string            `json:"account"`
	Type      DIDType           `json:"type"`
	IsOpen    bool              `json:"open"`
	Monotonic bool              `json:"monotonic"`
	IsNew     bool              `json:"new"`
	Bytes     int64             `json:"bytes,omitempty"`
	Adler32   string            `json:"adler32,omitempty"`
	MD5       string            `json:"md5,omitempty"`
	ExpiredAt *time.Time        `json:"expired_at,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	Meta      map[string]string `json:"meta,omitempty"`
}

func (d *DID) Ref() DIDRef { return DIDRef{Scope: d.Scope, Name: d.Name} }

// Association is one edge of the DID tree: parent (Scope, Name) owns child
// (ChildScope, ChildName). For file children the size and checksums are
// denormalized onto the edge at attach time.
type Association struct {
	Scope      string  `json:"scope"`
	Name       string  `json:"name"`
	ChildScope string  `json:"child_scope"`
	ChildName  string  `json:"child_name"`
	Type       DIDType `json:"type"`
	ChildType  DIDType `json:"child_type"`
	Bytes      int64   `json:"bytes,omitempty"`
	Adler32    string  `json:"adler32,omitempty"`
	MD5        string  `json:"md5,omitempty"`
}

func (a *Association) Child() DIDRef { return DIDRef{Scope: a.ChildScope, Name: a.ChildName} }

// Replica is a placement of a file on a storage endpoint. TombstoneAt is
// set exactly once, when the lock count drops to zero and the replica
// becomes eligible for physical reclamation.
type Replica struct {
	Scope       string       `json:"scope"`
	Name        string       `json:"name"`
	RSE         string       `json:"rse"`
	State       ReplicaState `json:"state"`
	Bytes       int64        `json:"bytes"`
	Adler32     string       `json:"adler32,omitempty"`
	MD5         string       `json:"md5,omitempty"`
	LockCount   int64        `json:"lock_cnt"`
	TombstoneAt *time.Time   `json:"tombstone_at,omitempty"`
}

// FileSpec describes a file being attached to a dataset or placed on an
// endpoint. Bytes is mandatory; checksums are optional but compared
// byte-for-byte against an existing registration.
type FileSpec struct {
	Scope   string `json:"scope"`
	Name    string `json:"name"`
	Bytes   int64  `json:"bytes"`
	Adler32 string `json:"adler32,omitempty"`
	MD5     string `json:"md5,omitempty"`
}

func (f FileSpec) Ref() DIDRef { return DIDRef{Scope: f.Scope, Name: f.Name} }

// Rule is a replication rule bound to a DID, owned by the external policy
// engine. The catalog resolves and removes rules during deletion; it never
// creates replica locks itself.
type Rule struct {
	ID            string    `json:"id"`
	Scope         string    `json:"scope"`
	Name          string    `json:"name"`
	Account       string    `json:"account"`
	Copies        int       `json:"copies"`
	RSEExpression string    `json:"rse_expression"`
	CreatedAt     time.Time `json:"created_at"`
}

// ReplicaLock pins one replica under one rule.
type ReplicaLock struct {
	RuleID string `json:"rule_id"`
	Scope  string `json:"scope"`
	Name   string `json:"name"`
	RSE    string `json:"rse"`
}

// UpdatedDID is one pending entry of the re-evaluation queue.
type UpdatedDID struct {
	Scope     string       `json:"scope"`
	Name      string       `json:"name"`
	Reason    ReEvalReason `json:"reason"`
	UpdatedAt time.Time    `json:"updated_at"`
}
