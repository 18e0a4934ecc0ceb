package hooks

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEvent(t *testing.T) {
	for _, e := range Events {
		parsed, err := ParseEvent(e.String())
		require.NoError(t, err)
		assert.Equal(t, e, parsed)
	}

	e, err := ParseEvent(" patch_single ")
	require.NoError(t, err)
	assert.Equal(t, PatchSingle, e)

	_, err = ParseEvent("OPTIONS")
	assert.Error(t, err)
}

func TestEventSingle(t *testing.T) {
	assert.True(t, GetSingle.Single())
	assert.True(t, DeleteSingle.Single())
	assert.False(t, Post.Single())
	assert.False(t, PatchMany.Single())
}

func TestBuildAppendsPutOntoPatch(t *testing.T) {
	var calls []string
	b := NewBuilder().
		Pre(PutSingle, record(&calls, "put", Continue())).
		Pre(PatchSingle, record(&calls, "patch", Continue()))
	require.NoError(t, b.Register(Postprocess, "put_many", record(&calls, "put-many", Continue())))
	set := b.Build()

	assert.Equal(t, 2, set.Len(Preprocess, PatchSingle))
	assert.Zero(t, set.Len(Preprocess, PutSingle))
	assert.Equal(t, 1, set.Len(Postprocess, PatchMany))

	_, err := NewExecutor(set, nil).Run(Preprocess, NewContext(context.Background(), nil, PatchSingle))
	require.NoError(t, err)
	assert.Equal(t, []string{"patch", "put"}, calls)

	assert.Error(t, NewBuilder().Register(Preprocess, "merge"))
}

func TestSetIsImmutable(t *testing.T) {
	var calls []string
	b := NewBuilder().Pre(GetMany, record(&calls, "a", Continue()))
	set := b.Build()
	b.Pre(GetMany, record(&calls, "b", Continue()))

	assert.Equal(t, 1, set.Len(Preprocess, GetMany))
	hooks := set.Hooks(Preprocess, GetMany)
	hooks[0] = nil
	assert.NotNil(t, set.Hooks(Preprocess, GetMany)[0])
}

func TestCombine(t *testing.T) {
	var calls []string
	universal := NewBuilder().Pre(GetMany, record(&calls, "universal", Continue())).Build()
	specific := NewBuilder().Pre(GetMany, record(&calls, "specific", Continue())).Build()

	_, err := NewExecutor(Combine(universal, specific), nil).Run(Preprocess, NewContext(context.Background(), nil, GetMany))
	require.NoError(t, err)
	assert.Equal(t, []string{"universal", "specific"}, calls)

	var nilSet *Set
	assert.Zero(t, nilSet.Len(Preprocess, GetMany))
	assert.Empty(t, Combine(nil, nil).Hooks(Postprocess, Post))
}
