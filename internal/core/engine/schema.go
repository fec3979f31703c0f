package engine

import "encoding/json"

// FieldType enumerates the payload value types a schema can declare.
type FieldType string

const (
	FieldString FieldType = "string"
	FieldInt    FieldType = "int"
	FieldFloat  FieldType = "float"
	FieldBool   FieldType = "bool"
	// FieldTimestamp is an integer count of milliseconds since the epoch.
	FieldTimestamp FieldType = "timestamp"
	// FieldJSON accepts any JSON value, including nested objects.
	FieldJSON FieldType = "json"
)

// FieldDef declares one field of a collection.
type FieldDef struct {
	Name     string    `json:"name"`
	Type     FieldType `json:"type"`
	Required bool      `json:"required"`
}

// RequiredField builds a required field definition.
func RequiredField(name string, t FieldType) FieldDef {
	return FieldDef{Name: name, Type: t, Required: true}
}

// OptionalField builds an optional field definition.
func OptionalField(name string, t FieldType) FieldDef {
	return FieldDef{Name: name, Type: t}
}

// validate checks one payload value against the definition. A missing or
// null value is fine unless the field is required.
func (f FieldDef) validate(value any, present bool) error {
	if !present || value == nil {
		if f.Required {
			return errMissingField(f.Name)
		}
		return nil
	}
	return f.validateType(value)
}

func (f FieldDef) validateType(value any) error {
	ok := false
	switch f.Type {
	case FieldString:
		_, ok = value.(string)
	case FieldInt, FieldTimestamp:
		ok = isJSONInt(value)
	case FieldFloat:
		ok = isJSONNumber(value)
	case FieldBool:
		_, ok = value.(bool)
	case FieldJSON:
		ok = true
	}
	if !ok {
		return errTypeMismatch(f.Name, f.Type, jsonTypeName(value))
	}
	return nil
}

// isJSONInt accepts any numeric representation that carries an integral
// value. Payloads decoded off the wire hold json.Number; payloads built in
// Go hold native ints.
func isJSONInt(v any) bool {
	switch n := v.(type) {
	case json.Number:
		_, err := n.Int64()
		return err == nil
	case int, int32, int64, uint, uint32, uint64:
		return true
	case float64:
		return n == float64(int64(n))
	default:
		return false
	}
}

func isJSONNumber(v any) bool {
	switch v.(type) {
	case json.Number, int, int32, int64, uint, uint32, uint64, float32, float64:
		return true
	default:
		return false
	}
}

func jsonTypeName(v any) string {
	switch n := v.(type) {
	case nil:
		return "null"
	case bool:
		return "bool"
	case string:
		return "string"
	case json.Number:
		if _, err := n.Int64(); err == nil {
			return "int"
		}
		return "float"
	case int, int32, int64, uint, uint32, uint64:
		return "int"
	case float32, float64:
		return "float"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	default:
		return "unknown"
	}
}

// CollectionSchema declares the fields of one collection.
type CollectionSchema struct {
	Name   string     `json:"name"`
	Fields []FieldDef `json:"fields"`
}

// NewCollection builds a collection schema.
func NewCollection(name string, fields ...FieldDef) CollectionSchema {
	return CollectionSchema{Name: name, Fields: fields}
}

// ValidatePayload checks a payload against the collection's fields.
// Fields not declared by the schema are accepted for forward compatibility.
func (c CollectionSchema) ValidatePayload(payload map[string]any) error {
	for _, f := range c.Fields {
		v, present := payload[f.Name]
		if err := f.validate(v, present); err != nil {
			return err
		}
	}
	return nil
}

// Schema declares all collections of a store, plus a version number used by
// snapshots.
type Schema struct {
	Version     uint32                      `json:"version"`
	Collections map[string]CollectionSchema `json:"collections"`
}

// NewSchema builds an empty schema at the given version.
func NewSchema(version uint32) Schema {
	return Schema{Version: version, Collections: make(map[string]CollectionSchema)}
}

// WithCollection adds a collection, builder style.
func (s Schema) WithCollection(c CollectionSchema) Schema {
	if s.Collections == nil {
		s.Collections = make(map[string]CollectionSchema)
	}
	s.Collections[c.Name] = c
	return s
}

// Collection looks up a collection schema by name.
func (s Schema) Collection(name string) (CollectionSchema, bool) {
	c, ok := s.Collections[name]
	return c, ok
}

// ValidatePayload validates a payload for the named collection.
func (s Schema) ValidatePayload(collection string, payload map[string]any) error {
	c, ok := s.Collections[collection]
	if !ok {
		return errUnknownCollection(collection)
	}
	return c.ValidatePayload(payload)
}

// ValidateOperation validates an operation's target collection and, for
// Create and Update, its payload. Deletes carry no payload.
func (s Schema) ValidateOperation(op Operation) error {
	c, ok := s.Collections[op.Collection]
	if !ok {
		return errUnknownCollection(op.Collection)
	}
	switch op.Type {
	case OpCreate, OpUpdate:
		return c.ValidatePayload(op.Payload)
	default:
		return nil
	}
}

// clone returns a deep copy of the schema.
func (s Schema) clone() Schema {
	out := NewSchema(s.Version)
	for name, c := range s.Collections {
		fields := make([]FieldDef, len(c.Fields))
		copy(fields, c.Fields)
		out.Collections[name] = CollectionSchema{Name: c.Name, Fields: fields}
	}
	return out
}
