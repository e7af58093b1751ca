package types

import (
	"fmt"
	"sort"
	"sync"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

// Model is a named, validated record shape. Its name is also the storage key
// of the model's record collection inside a document.
type Model struct {
	// Name is the storage name of the model's collection.
	Name string

	// Keys validate individual record fields. Fields without a rule are
	// accepted as is.
	Keys []*validation.KeyRules

	// Discriminator names the field that selects a variant for union
	// models. Empty for plain record models.
	Discriminator string

	// Variants lists the accepted discriminator values and the rules that
	// apply to each variant on top of Keys.
	Variants map[string][]*validation.KeyRules

	// Refs maps record fields to the models of nested values. Nested values
	// are validated against the referenced model once it resolves.
	Refs map[string]*ModelRef
}

// NewModel returns a plain record model.
func NewModel(name string, keys ...*validation.KeyRules) *Model {
	return &Model{Name: name, Keys: keys}
}

// Validate checks a record state against the model rules.
// Returns an error wrapping ErrInvalidRecord on failure.
func (m *Model) Validate(schema *DocumentSchema, state map[string]any) error {
	if m == nil {
		return ErrModelNotFound
	}
	rules := m.Keys
	if m.Discriminator != "" {
		tag, _ := state[m.Discriminator].(string)
		variant, ok := m.Variants[tag]
		if !ok {
			return fmt.Errorf("%w: %s: unknown variant %q", ErrInvalidRecord, m.Name, tag)
		}
		rules = append(append([]*validation.KeyRules{}, rules...), variant...)
	}
	if len(rules) > 0 {
		if err := validation.Validate(state, validation.Map(rules...).AllowExtraKeys()); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalidRecord, m.Name, err)
		}
	}
	for field, ref := range m.Refs {
		nested, ok := state[field].(map[string]any)
		if !ok {
			continue
		}
		child, err := ref.Resolve(schema)
		if err != nil {
			return err
		}
		if err := child.Validate(schema, nested); err != nil {
			return fmt.Errorf("%s.%s: %w", m.Name, field, err)
		}
	}
	return nil
}

// ModelRef refers to a model by name. It is resolved against a schema at
// first use so that models may reference each other, or themselves, without
// initialization-order cycles.
type ModelRef struct {
	name string

	once  sync.Once
	model *Model
	err   error
}

// Ref returns a lazy reference to the model called name.
func Ref(name string) *ModelRef {
	return &ModelRef{name: name}
}

// Name returns the referenced model name.
func (r *ModelRef) Name() string { return r.name }

// Resolve looks up the model in schema. The first result is cached.
func (r *ModelRef) Resolve(schema *DocumentSchema) (*Model, error) {
	r.once.Do(func() {
		r.model, r.err = schema.Model(r.name)
	})
	return r.model, r.err
}

// DocumentSchema maps model names to models.
type DocumentSchema struct {
	Version int
	models  map[string]*Model
}

// NewSchema builds a schema from models. Later models with the same name
// replace earlier ones.
func NewSchema(version int, models ...*Model) *DocumentSchema {
	s := &DocumentSchema{Version: version, models: make(map[string]*Model, len(models))}
	for _, m := range models {
		s.models[m.Name] = m
	}
	return s
}

// Model returns the model called name.
// Returns ErrModelNotFound if the schema does not declare it.
func (s *DocumentSchema) Model(name string) (*Model, error) {
	if s == nil {
		return nil, fmt.Errorf("%w: %s", ErrModelNotFound, name)
	}
	m, ok := s.models[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrModelNotFound, name)
	}
	return m, nil
}

// Models returns the declared models sorted by name.
func (s *DocumentSchema) Models() []*Model {
	if s == nil {
		return nil
	}
	out := make([]*Model, 0, len(s.models))
	for _, m := range s.models {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
