// Package rse models the storage-endpoint collaborator: the protocol layer
// that maps a logical file name to a concrete access URL per endpoint
// (RSE, "storage element") and transport scheme.
package rse

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/didcat/didcat/pkg/model"
)

var (
	// ErrEndpointNotFound — the endpoint is not part of the topology.
	ErrEndpointNotFound = errors.New("storage endpoint not found")

	// ErrProtocolNotSupported — the endpoint offers no protocol for the
	// requested scheme.
	ErrProtocolNotSupported = errors.New("protocol not supported")
)

// Protocol describes one access protocol offered by an endpoint.
type Protocol struct {
	Scheme             string
	Hostname           string
	Port               int
	Prefix             string
	ExtendedAttributes map[string]string
}

// Manager is the endpoint-protocol collaborator consumed by the replica
// resolver. Both methods may fail with ErrEndpointNotFound or
// ErrProtocolNotSupported; the resolver treats those as "skip", never as
// a fatal error for the whole request.
type Manager interface {
	// ListProtocols returns the access protocols available at endpoint.
	ListProtocols(endpoint string) ([]Protocol, error)

	// BuildAccessURL renders the physical access URL for a file at an
	// endpoint using one protocol.
	BuildAccessURL(endpoint string, file model.DIDRef, p Protocol) (string, error)
}

// StaticManager serves a fixed endpoint topology, typically loaded from
// the config file. URLs use the deterministic layout
// scheme://host[:port]/prefix/scope/name.
type StaticManager struct {
	endpoints map[string][]Protocol
}

// NewStaticManager builds a manager from endpoint name to protocol list.
func NewStaticManager(endpoints map[string][]Protocol) *StaticManager {
	m := &StaticManager{endpoints: make(map[string][]Protocol, len(endpoints))}
	for name, protos := range endpoints {
		ps := append([]Protocol(nil), protos...)
		sort.Slice(ps, func(i, j int) bool { return ps[i].Scheme < ps[j].Scheme })
		m.endpoints[name] = ps
	}
	return m
}

// Endpoints returns the known endpoint names in sorted order.
func (m *StaticManager) Endpoints() []string {
	names := make([]string, 0, len(m.endpoints))
	for name := range m.endpoints {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Knows reports whether endpoint is part of the topology.
func (m *StaticManager) Knows(endpoint string) bool {
	_, ok := m.endpoints[endpoint]
	return ok
}

func (m *StaticManager) ListProtocols(endpoint string) ([]Protocol, error) {
	protos, ok := m.endpoints[endpoint]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrEndpointNotFound, endpoint)
	}
	return protos, nil
}

func (m *StaticManager) BuildAccessURL(endpoint string, file model.DIDRef, p Protocol) (string, error) {
	if !m.Knows(endpoint) {
		return "", fmt.Errorf("%w: %s", ErrEndpointNotFound, endpoint)
	}
	if p.Scheme == "" {
		return "", fmt.Errorf("%w: empty scheme at %s", ErrProtocolNotSupported, endpoint)
	}
	host := p.Hostname
	if p.Port > 0 {
		host = fmt.Sprintf("%s:%d", p.Hostname, p.Port)
	}
	prefix := strings.Trim(p.Prefix, "/")
	if prefix != "" {
		prefix = "/" + prefix
	}
	return fmt.Sprintf("%s://%s%s/%s/%s", p.Scheme, host, prefix, file.Scope, file.Name), nil
}

var _ Manager = (*StaticManager)(nil)
