package compliance

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vnmchuo/eu-llm-gateway/internal/provider"
)

func newTestCatalog(t *testing.T) *provider.Registry {
	t.Helper()
	reg := provider.NewRegistry()
	descs := []provider.Descriptor{
		{Key: "openai", Kind: provider.KindOpenAI, Region: "us"},
		{Key: "claude", Kind: provider.KindClaude, Region: "us"},
		{Key: "mistral", Kind: provider.KindMistral, Region: "eu-west-3", EUCompliant: true},
		{Key: "bedrock", Kind: provider.KindBedrock, Region: "eu-central-1", EUCompliant: true},
	}
	for _, d := range descs {
		require.NoError(t, reg.Register(d, nil))
	}
	return reg
}

func newTestSelector(t *testing.T) *Selector {
	t.Helper()
	s, err := NewSelector(newTestCatalog(t), []string{"mistral", "bedrock"}, []string{"claude", "mistral"})
	require.NoError(t, err)
	return s
}

func TestSelect_NonEUWithEUOnly(t *testing.T) {
	s := newTestSelector(t)

	d, err := s.Select("openai", true)
	require.NoError(t, err)
	assert.Equal(t, "mistral", d.Provider)
	assert.Equal(t, "openai", d.Requested)
	assert.True(t, d.FallbackApplied)
	assert.True(t, d.Descriptor.EUCompliant)
}

func TestSelect_EUProviderWithEUOnly(t *testing.T) {
	s := newTestSelector(t)

	d, err := s.Select("bedrock", true)
	require.NoError(t, err)
	assert.Equal(t, "bedrock", d.Provider)
	assert.False(t, d.FallbackApplied)
}

func TestSelect_NoConstraint(t *testing.T) {
	s := newTestSelector(t)

	d, err := s.Select("openai", false)
	require.NoError(t, err)
	assert.Equal(t, "openai", d.Provider)
	assert.False(t, d.FallbackApplied)
	assert.False(t, d.Descriptor.EUCompliant)
}

func TestSelect_Unknown(t *testing.T) {
	s := newTestSelector(t)

	_, err := s.Select("llama", false)
	assert.True(t, errors.Is(err, ErrUnknownProvider))
}

func TestNewSelector_Validation(t *testing.T) {
	cat := newTestCatalog(t)

	_, err := NewSelector(cat, nil, nil)
	assert.ErrorIs(t, err, ErrNoCompliantProvider)

	_, err = NewSelector(cat, []string{"openai"}, nil)
	assert.ErrorIs(t, err, ErrNoCompliantProvider)

	_, err = NewSelector(cat, []string{"nope"}, nil)
	assert.ErrorIs(t, err, ErrUnknownProvider)

	_, err = NewSelector(cat, []string{"mistral"}, []string{"nope"})
	assert.ErrorIs(t, err, ErrUnknownProvider)
}

func TestChain(t *testing.T) {
	s := newTestSelector(t)

	assert.Equal(t, []string{"openai", "claude", "mistral"}, s.Chain("openai", false))
	assert.Equal(t, []string{"claude", "mistral"}, s.Chain("claude", false))
}

func TestChain_EUOnlyStaysInEU(t *testing.T) {
	s := newTestSelector(t)

	chain := s.Chain("mistral", true)
	assert.Equal(t, []string{"mistral", "bedrock"}, chain)

	for _, key := range s.Chain("bedrock", true) {
		d, err := newTestCatalog(t).Descriptor(key)
		require.NoError(t, err)
		assert.True(t, d.EUCompliant, key)
	}
}
