package rse

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/didcat/didcat/pkg/model"
)

func testManager() *StaticManager {
	return NewStaticManager(map[string][]Protocol{
		"MOCK-POSIX": {
			{Scheme: "file", Hostname: "localhost", Prefix: "/tmp/data/"},
		},
		"MOCK-GRID": {
			{Scheme: "srm", Hostname: "grid.example.org", Port: 8443, Prefix: "/pnfs/data",
				ExtendedAttributes: map[string]string{"space_token": "DATADISK"}},
			{Scheme: "root", Hostname: "grid.example.org", Port: 1094, Prefix: "/pnfs/data"},
		},
	})
}

func TestEndpoints(t *testing.T) {
	m := testManager()
	assert.Equal(t, []string{"MOCK-GRID", "MOCK-POSIX"}, m.Endpoints())
	assert.True(t, m.Knows("MOCK-POSIX"))
	assert.False(t, m.Knows("GHOST"))
}

func TestListProtocols(t *testing.T) {
	m := testManager()

	protos, err := m.ListProtocols("MOCK-GRID")
	require.NoError(t, err)
	require.Len(t, protos, 2)
	// Sorted by scheme.
	assert.Equal(t, "root", protos[0].Scheme)
	assert.Equal(t, "srm", protos[1].Scheme)

	_, err = m.ListProtocols("GHOST")
	assert.ErrorIs(t, err, ErrEndpointNotFound)
}

func TestBuildAccessURL(t *testing.T) {
	m := testManager()
	file := model.DIDRef{Scope: "cms", Name: "file_0001"}

	got, err := m.BuildAccessURL("MOCK-POSIX",
		file, Protocol{Scheme: "file", Hostname: "localhost", Prefix: "/tmp/data/"})
	require.NoError(t, err)
	assert.Equal(t, "file://localhost/tmp/data/cms/file_0001", got)

	got, err = m.BuildAccessURL("MOCK-GRID",
		file, Protocol{Scheme: "srm", Hostname: "grid.example.org", Port: 8443, Prefix: "/pnfs/data"})
	require.NoError(t, err)
	assert.Equal(t, "srm://grid.example.org:8443/pnfs/data/cms/file_0001", got)
}

func TestBuildAccessURLErrors(t *testing.T) {
	m := testManager()
	file := model.DIDRef{Scope: "cms", Name: "f"}

	_, err := m.BuildAccessURL("GHOST", file, Protocol{Scheme: "file", Hostname: "h"})
	assert.ErrorIs(t, err, ErrEndpointNotFound)

	_, err = m.BuildAccessURL("MOCK-POSIX", file, Protocol{Hostname: "h"})
	assert.ErrorIs(t, err, ErrProtocolNotSupported)
}
