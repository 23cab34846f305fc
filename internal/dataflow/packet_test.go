package dataflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/provflow/internal/uri"
)

func TestSinglePacket_NilResourceBecomesInlineNull(t *testing.T) {
	p, err := NewSinglePacket(nil, nil, nil, nil)
	require.NoError(t, err)

	r := p.Resource("anything")
	require.NotNil(t, r)
	assert.Nil(t, r.Data())
	assert.Equal(t, DefaultKey, r.Key())
	assert.Equal(t, "/", r.URI().String())
	assert.Len(t, p.Resources(), 1)
}

func TestSinglePacket_KeyIgnored(t *testing.T) {
	r := NewPublishedResource(3, uri.Parse("/a/3"), "/a/{}", false)
	p, err := NewSinglePacket(r, nil, []string{"n"}, []any{3})
	require.NoError(t, err)

	assert.Same(t, r, p.Resource("/a/{}"))
	assert.Same(t, r, p.Resource("/unrelated"))
}

func TestPacket_MetadataLengthsMustMatch(t *testing.T) {
	_, err := NewSinglePacket(nil, nil, []string{"a", "b"}, []any{1})
	assert.Error(t, err)

	_, err = NewMultiPacket(nil, nil, []string{"a"}, nil)
	assert.Error(t, err)
}

func TestPacket_MetadataCopied(t *testing.T) {
	keys := []string{"a"}
	values := []any{1}
	p, err := NewSinglePacket(nil, nil, keys, values)
	require.NoError(t, err)

	keys[0] = "changed"
	values[0] = 99
	assert.Equal(t, []string{"a"}, p.MetadataKeys())
	assert.Equal(t, []any{1}, p.MetadataValues())

	got := p.MetadataKeys()
	got[0] = "mutated"
	assert.Equal(t, []string{"a"}, p.MetadataKeys())
}

func TestPacket_IDAssignedOnce(t *testing.T) {
	p, err := NewSinglePacket(nil, nil, nil, nil)
	require.NoError(t, err)

	_, ok := p.ID()
	assert.False(t, ok)

	require.NoError(t, p.SetID(7))
	id, ok := p.ID()
	assert.True(t, ok)
	assert.Equal(t, int64(7), id)

	assert.Error(t, p.SetID(8))
	id, _ = p.ID()
	assert.Equal(t, int64(7), id)
}

func TestMultiPacket_LookupAndDuplicateKeys(t *testing.T) {
	a := NewPublishedResource("a", uri.Parse("/d/a"), "/d/a", true)
	b := NewPublishedResource("b", uri.Parse("/d/b"), "/d/b", true)
	b2 := NewPublishedResource("b2", uri.Parse("/d/b"), "/d/b", true)

	p, err := NewMultiPacket([]*PublishedResource{a, b, nil, b2}, nil, nil, nil)
	require.NoError(t, err)

	assert.Same(t, a, p.Resource("/d/a"))
	assert.Same(t, b2, p.Resource("/d/b"))
	assert.Nil(t, p.Resource("/d/c"))
	assert.Equal(t, []*PublishedResource{a, b2}, p.Resources())

	rs := p.Resources()
	rs[0] = nil
	assert.Same(t, a, p.Resources()[0])
}

func TestEndOfStream(t *testing.T) {
	assert.True(t, IsEndOfStream(EndOfStream))

	p, err := NewSinglePacket(nil, nil, nil, nil)
	require.NoError(t, err)
	assert.False(t, IsEndOfStream(p))
}
