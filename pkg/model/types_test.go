package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDIDType(t *testing.T) {
	for in, want := range map[string]DIDType{
		"FILE":      TypeFile,
		"dataset":   TypeDataset,
		"Container": TypeContainer,
	} {
		got, err := ParseDIDType(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got)
	}

	_, err := ParseDIDType("folder")
	assert.Error(t, err)
}

func TestIsCollection(t *testing.T) {
	assert.False(t, TypeFile.IsCollection())
	assert.True(t, TypeDataset.IsCollection())
	assert.True(t, TypeContainer.IsCollection())
	assert.False(t, DIDType("BOGUS").IsCollection())
}

func TestDIDRefString(t *testing.T) {
	assert.Equal(t, "cms:run_2026", DIDRef{Scope: "cms", Name: "run_2026"}.String())
}

func TestReasonMerge(t *testing.T) {
	assert.Equal(t, ReasonAttach, ReasonAttach.Merge(ReasonAttach))
	assert.Equal(t, ReasonDetach, ReasonDetach.Merge(ReasonDetach))
	assert.Equal(t, ReasonBoth, ReasonAttach.Merge(ReasonDetach))
	assert.Equal(t, ReasonBoth, ReasonDetach.Merge(ReasonAttach))
	assert.Equal(t, ReasonBoth, ReasonBoth.Merge(ReasonAttach))
	assert.Equal(t, ReasonBoth, ReasonAttach.Merge(ReasonBoth))
}
