// ABOUTME: Tests for schema merge semantics and content validation
// ABOUTME: Merge is strict intersection over fields and required lists

package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSchemaProposal(t *testing.T) {
	required := []string{"id"}
	p := NewSchemaProposal(
		map[string]string{"id": "string", "score": "number"},
		required,
		map[string]any{"max_items": 10},
	)

	assert.Equal(t, map[string]string{"id": "string", "score": "number"}, p.Fields)
	assert.Equal(t, []string{"id"}, p.Required)
	assert.Equal(t, map[string]any{"max_items": 10}, p.Constraints)

	// The required list is copied, not aliased.
	required[0] = "mutated"
	assert.Equal(t, []string{"id"}, p.Required)

	empty := NewSchemaProposal(map[string]string{"id": "string"}, nil, nil)
	assert.Empty(t, empty.Required)
	assert.Empty(t, empty.Constraints)
}

func TestMergeSchemas_FieldIntersection(t *testing.T) {
	a := &SchemaProposal{
		Fields:   map[string]string{"id": "string", "title": "string", "score": "number"},
		Required: []string{"id", "title"},
	}
	b := &SchemaProposal{
		Fields:   map[string]string{"id": "string", "score": "number", "vector": "array"},
		Required: []string{"id", "vector"},
	}

	merged := MergeSchemas(a, b)

	assert.Equal(t, map[string]string{"id": "string", "score": "number"}, merged.Fields)
	assert.Equal(t, []string{"id"}, merged.Required)
}

func TestMergeSchemas_TypeMismatchDropsField(t *testing.T) {
	a := &SchemaProposal{Fields: map[string]string{"id": "string"}}
	b := &SchemaProposal{Fields: map[string]string{"id": "integer"}}

	merged := MergeSchemas(a, b)
	assert.Empty(t, merged.Fields)
}

func TestMergeSchemas_RequiredRestrictedToMergedFields(t *testing.T) {
	// "ts" is required by both but typed differently, so it drops out of the
	// merged fields and must drop out of required too.
	a := &SchemaProposal{
		Fields:   map[string]string{"id": "string", "ts": "string"},
		Required: []string{"id", "ts"},
	}
	b := &SchemaProposal{
		Fields:   map[string]string{"id": "string", "ts": "number"},
		Required: []string{"id", "ts"},
	}

	merged := MergeSchemas(a, b)
	assert.Equal(t, []string{"id"}, merged.Required)
}

func TestMergeSchemas_RequiredInOneButAbsentFromOther(t *testing.T) {
	// Required in a, absent from b entirely: dropped.
	a := &SchemaProposal{
		Fields:   map[string]string{"id": "string", "extra": "string"},
		Required: []string{"extra"},
	}
	b := &SchemaProposal{Fields: map[string]string{"id": "string"}}

	merged := MergeSchemas(a, b)
	assert.Empty(t, merged.Required)
}

func TestMergeSchemas_NilInputs(t *testing.T) {
	merged := MergeSchemas(nil, &SchemaProposal{Fields: map[string]string{"id": "string"}})
	assert.Empty(t, merged.Fields)
	assert.Empty(t, merged.Required)
}

func TestSatisfies(t *testing.T) {
	proposal := &SchemaProposal{
		Fields:   map[string]string{"id": "string", "score": "number"},
		Required: []string{"id"},
	}

	assert.True(t, proposal.Satisfies(nil))
	assert.True(t, proposal.Satisfies(&SchemaProposal{Fields: map[string]string{"id": "string"}}))
	assert.True(t, proposal.Satisfies(&SchemaProposal{
		Fields:   map[string]string{"id": "string"},
		Required: []string{"id"},
	}))
	assert.False(t, proposal.Satisfies(&SchemaProposal{Fields: map[string]string{"missing": "string"}}))
	assert.False(t, proposal.Satisfies(&SchemaProposal{Fields: map[string]string{"id": "integer"}}))
	assert.False(t, proposal.Satisfies(&SchemaProposal{
		Fields:   map[string]string{"score": "number"},
		Required: []string{"score"},
	}))
}

func TestValidateContent(t *testing.T) {
	schema := &SchemaProposal{
		Fields:   map[string]string{"id": "string", "score": "number"},
		Required: []string{"id"},
	}

	require.NoError(t, schema.ValidateContent(map[string]any{"id": "doc-1", "score": 0.92}))
	require.NoError(t, schema.ValidateContent(map[string]any{"id": "doc-1"}))

	err := schema.ValidateContent(map[string]any{"score": 0.92})
	require.Error(t, err)

	err = schema.ValidateContent(map[string]any{"id": 42})
	require.Error(t, err)
}

func TestCompile(t *testing.T) {
	schema := &SchemaProposal{Fields: map[string]string{"id": "string"}}
	require.NoError(t, schema.Compile())
}

func TestSchemaMapRoundTrip(t *testing.T) {
	schema := &SchemaProposal{
		Fields:      map[string]string{"id": "string"},
		Required:    []string{"id"},
		Constraints: map[string]any{"max_items": 10},
	}

	got := SchemaFromMap(schema.ToMap())
	assert.Equal(t, schema.Fields, got.Fields)
	assert.Equal(t, schema.Required, got.Required)
	assert.Equal(t, schema.Constraints, got.Constraints)
}

func TestSchemaFromMap_ToleratesJSONTypes(t *testing.T) {
	// After a JSON round-trip, slices come back as []any.
	got := SchemaFromMap(map[string]any{
		"fields":   map[string]any{"id": "string"},
		"required": []any{"id"},
	})
	assert.Equal(t, map[string]string{"id": "string"}, got.Fields)
	assert.Equal(t, []string{"id"}, got.Required)
}
