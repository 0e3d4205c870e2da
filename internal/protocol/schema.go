// ABOUTME: SchemaProposal and the intersection-based merge used in negotiation
// ABOUTME: Compiles proposals to JSON Schema for boundary validation via gojsonschema

package protocol

import (
	"fmt"
	"sort"

	"github.com/xeipuuv/gojsonschema"
)

// SchemaProposal is a structural description of a payload shape, exchanged
// during negotiation. It has no identity: two proposals with the same fields,
// required list, and constraints are interchangeable.
type SchemaProposal struct {
	Fields      map[string]string // field name -> JSON type ("string", "number", ...)
	Required    []string          // subset of Fields that must be present
	Constraints map[string]any    // optional extra constraints, carried opaquely
}

// NewSchemaProposal builds a proposal over the given fields. required names
// the subset of fields that must be present; constraints are carried opaquely.
// Both may be nil.
func NewSchemaProposal(fields map[string]string, required []string, constraints map[string]any) *SchemaProposal {
	return &SchemaProposal{
		Fields:      fields,
		Required:    append([]string(nil), required...),
		Constraints: constraints,
	}
}

// MergeSchemas intersects two proposals: the merged fields are exactly the
// names present in both with the same type, and the merged required list is
// the intersection of both required lists restricted to the merged fields.
// A field required by one side but absent from the other is dropped.
func MergeSchemas(a, b *SchemaProposal) *SchemaProposal {
	merged := &SchemaProposal{Fields: make(map[string]string)}
	if a == nil || b == nil {
		return merged
	}

	for name, typ := range a.Fields {
		if other, ok := b.Fields[name]; ok && other == typ {
			merged.Fields[name] = typ
		}
	}

	inB := make(map[string]bool, len(b.Required))
	for _, name := range b.Required {
		inB[name] = true
	}
	for _, name := range a.Required {
		if _, kept := merged.Fields[name]; kept && inB[name] {
			merged.Required = append(merged.Required, name)
		}
	}
	sort.Strings(merged.Required)

	return merged
}

// Satisfies reports whether the proposal carries every field the requirement
// names, with matching types, and requires at least the requirement's
// required fields.
func (p *SchemaProposal) Satisfies(required *SchemaProposal) bool {
	if required == nil {
		return true
	}
	if p == nil {
		return len(required.Fields) == 0 && len(required.Required) == 0
	}
	for name, typ := range required.Fields {
		if got, ok := p.Fields[name]; !ok || got != typ {
			return false
		}
	}
	offered := make(map[string]bool, len(p.Required))
	for _, name := range p.Required {
		offered[name] = true
	}
	for _, name := range required.Required {
		if !offered[name] {
			return false
		}
	}
	return true
}

// JSONSchema renders the proposal as a draft JSON Schema document describing
// an object-shaped payload.
func (p *SchemaProposal) JSONSchema() map[string]any {
	properties := make(map[string]any, len(p.Fields))
	for name, typ := range p.Fields {
		properties[name] = map[string]any{"type": typ}
	}
	doc := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(p.Required) > 0 {
		required := make([]any, len(p.Required))
		for i, name := range p.Required {
			required[i] = name
		}
		doc["required"] = required
	}
	return doc
}

// Compile checks that the proposal forms a valid JSON Schema. Proposals are
// validated at this boundary so malformed shapes are rejected during
// negotiation rather than deep inside turn processing.
func (p *SchemaProposal) Compile() error {
	_, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(p.JSONSchema()))
	if err != nil {
		return fmt.Errorf("compiling schema proposal: %w", err)
	}
	return nil
}

// ValidateContent checks an execution payload against the negotiated schema.
func (p *SchemaProposal) ValidateContent(content map[string]any) error {
	result, err := gojsonschema.Validate(
		gojsonschema.NewGoLoader(p.JSONSchema()),
		gojsonschema.NewGoLoader(content),
	)
	if err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}
	if !result.Valid() {
		errs := result.Errors()
		if len(errs) > 0 {
			return fmt.Errorf("content does not match negotiated schema: %s", errs[0].String())
		}
		return fmt.Errorf("content does not match negotiated schema")
	}
	return nil
}

// ToMap renders the proposal for embedding in message content.
func (p *SchemaProposal) ToMap() map[string]any {
	if p == nil {
		return nil
	}
	fields := make(map[string]any, len(p.Fields))
	for name, typ := range p.Fields {
		fields[name] = typ
	}
	out := map[string]any{"fields": fields}
	if len(p.Required) > 0 {
		out["required"] = append([]string(nil), p.Required...)
	}
	if len(p.Constraints) > 0 {
		out["constraints"] = p.Constraints
	}
	return out
}

// SchemaFromMap reconstructs a proposal from message content, tolerating the
// loosened types a JSON round-trip produces.
func SchemaFromMap(raw map[string]any) *SchemaProposal {
	if raw == nil {
		return nil
	}
	p := &SchemaProposal{Fields: make(map[string]string)}
	if fields, ok := raw["fields"].(map[string]any); ok {
		for name, typ := range fields {
			if s, ok := typ.(string); ok {
				p.Fields[name] = s
			}
		}
	}
	p.Required = toStringSlice(raw["required"])
	if constraints, ok := raw["constraints"].(map[string]any); ok {
		p.Constraints = constraints
	}
	return p
}
