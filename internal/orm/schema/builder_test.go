package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func personBuilder() *Builder {
	return NewBuilder("person").
		Field("id", TypeInt, Generated()).
		Field("name", TypeString).
		Field("age", TypeInt, Nullable()).
		Field("birth_date", TypeDate, Nullable()).
		HasMany("computers", "computer", "owner_id")
}

func TestBuilder_Build(t *testing.T) {
	res, err := personBuilder().Build()
	require.NoError(t, err)

	assert.Equal(t, "person", res.Name)
	assert.Equal(t, "person", res.Table)
	assert.Equal(t, "id", res.PrimaryKey)
	assert.Equal(t, DefaultResultsPerPage, res.DefaultPerPage)
	assert.Equal(t, DefaultMaxResultsPerPage, res.MaxPerPage)
	assert.Equal(t, []string{"id", "name", "age", "birth_date"}, res.Columns())
	assert.Equal(t, []string{"computers"}, res.RelationNames())
	assert.True(t, res.IsColumn("age"))
	assert.True(t, res.IsRelation("computers"))
	assert.False(t, res.HasField("unknown"))
	assert.Nil(t, res.Include())
	assert.Nil(t, res.Exclude())
}

func TestBuilder_IncludeExcludeExclusive(t *testing.T) {
	_, err := personBuilder().
		IncludeColumns("name").
		ExcludeColumns("age").
		Build()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrIncludeExclude)
}

func TestBuilder_Errors(t *testing.T) {
	tests := []struct {
		name    string
		builder *Builder
		message string
	}{
		{
			name:    "missing name",
			builder: NewBuilder("").Field("id", TypeInt),
			message: "collection name is not valid",
		},
		{
			name:    "missing primary key",
			builder: NewBuilder("tag").Field("label", TypeString),
			message: "primary key id is not a declared field",
		},
		{
			name:    "duplicate field",
			builder: NewBuilder("tag").Field("id", TypeInt).Field("id", TypeInt),
			message: "field id declared twice",
		},
		{
			name:    "to_one without local foreign key",
			builder: NewBuilder("computer").Field("id", TypeInt).BelongsTo("owner", "person", "owner_id"),
			message: "foreign key owner_id is not a declared field",
		},
		{
			name:    "join table without keys",
			builder: NewBuilder("post").Field("id", TypeInt).ManyToMany("tags", "tag", "post_tags", "", ""),
			message: "join table requires join_key and join_target_key",
		},
		{
			name:    "unknown include column",
			builder: personBuilder().IncludeColumns("nickname"),
			message: "unknown column nickname",
		},
		{
			name:    "negative page size",
			builder: personBuilder().PerPage(-1, 10),
			message: "page sizes must not be negative",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.builder.Build()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.message)
		})
	}
}

func TestBuilder_Narrowing(t *testing.T) {
	res, err := personBuilder().
		IncludeColumns("name", "computers", "computers.vendor").
		Build()
	require.NoError(t, err)

	inc := res.Include()
	require.NotNil(t, inc)
	assert.Equal(t, []string{"name"}, inc.Columns)
	assert.Equal(t, []string{"vendor"}, inc.Relations["computers"])
	assert.Equal(t, []string{"computers"}, res.VisibleRelations())
}

func TestParseIncludes(t *testing.T) {
	n := ParseIncludes([]string{"name", "owner.name", "computers", "computers.id"})

	assert.Equal(t, []string{"name"}, n.Columns)
	// owner is not itself included so its dotted field is dropped
	assert.NotContains(t, n.Relations, "owner")
	assert.Equal(t, []string{"id"}, n.Relations["computers"])
}

func TestParseExcludes(t *testing.T) {
	n := ParseExcludes([]string{"age", "computers", "computers.vendor", "owner.email"})

	assert.Equal(t, []string{"age", "computers"}, n.Columns)
	assert.NotContains(t, n.Relations, "computers")
	assert.Equal(t, []string{"email"}, n.Relations["owner"])
	assert.True(t, n.HasColumn("age"))
}

func TestVisibleRelations_Exclude(t *testing.T) {
	res, err := NewBuilder("person").
		Field("id", TypeInt).
		HasMany("computers", "computer", "owner_id").
		HasMany("pets", "pet", "owner_id").
		ExcludeColumns("pets").
		Build()
	require.NoError(t, err)

	assert.Equal(t, []string{"computers"}, res.VisibleRelations())
}

func TestExprMethod(t *testing.T) {
	fn, err := ExprMethod(`name + " (" + string(age) + ")"`)
	require.NoError(t, err)

	out, err := fn(map[string]interface{}{"name": "Ada", "age": 36})
	require.NoError(t, err)
	assert.Equal(t, "Ada (36)", out)

	_, err = ExprMethod(`name +`)
	assert.Error(t, err)
}

func TestBuilder_Method(t *testing.T) {
	fn, err := ExprMethod(`age != nil && age >= 18`)
	require.NoError(t, err)

	res := personBuilder().Method("is_adult", fn).MustBuild()
	methods := res.Methods()
	require.Len(t, methods, 1)
	assert.Equal(t, "is_adult", methods[0].Name)

	v, err := methods[0].Fn(map[string]interface{}{"age": 20})
	require.NoError(t, err)
	assert.Equal(t, true, v)
}
