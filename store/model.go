package store

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// AttributeDescription describes one typed attribute of an entity
type AttributeDescription struct {
	Name     string        `yaml:"name"`
	Type     AttributeType `yaml:"type"`
	Optional bool          `yaml:"optional"`
	Default  any           `yaml:"default"`
}

// RelationshipDescription describes a link to objects of another entity.
// Values are object IDs: a string for to-one, a []string for to-many.
type RelationshipDescription struct {
	Name        string `yaml:"name"`
	Destination string `yaml:"destination"`
	ToMany      bool   `yaml:"to_many"`
}

// EntityDescription describes one entity of the model
type EntityDescription struct {
	Name          string                    `yaml:"name"`
	Attributes    []AttributeDescription    `yaml:"attributes"`
	Relationships []RelationshipDescription `yaml:"relationships"`
	Unique        []string                  `yaml:"unique"`

	attributes    map[string]*AttributeDescription
	relationships map[string]*RelationshipDescription
}

// Attribute returns the named attribute description
func (e *EntityDescription) Attribute(name string) (*AttributeDescription, bool) {
	a, ok := e.attributes[name]
	return a, ok
}

// Relationship returns the named relationship description
func (e *EntityDescription) Relationship(name string) (*RelationshipDescription, bool) {
	r, ok := e.relationships[name]
	return r, ok
}

func (e *EntityDescription) index() error {
	if e.Name == "" {
		return fmt.Errorf("entity without a name")
	}

	e.attributes = make(map[string]*AttributeDescription, len(e.Attributes))
	e.relationships = make(map[string]*RelationshipDescription, len(e.Relationships))

	for i := range e.Attributes {
		attr := &e.Attributes[i]
		if attr.Name == "" || attr.Name == objectIDKey {
			return fmt.Errorf("entity %s: invalid attribute name %q", e.Name, attr.Name)
		}
		if !attr.Type.Valid() {
			return fmt.Errorf("entity %s: attribute %s has unknown type %q", e.Name, attr.Name, attr.Type)
		}
		if _, dup := e.attributes[attr.Name]; dup {
			return fmt.Errorf("entity %s: duplicate attribute %s", e.Name, attr.Name)
		}
		if attr.Default != nil {
			def, err := attr.Type.coerce(attr.Default)
			if err != nil {
				return fmt.Errorf("entity %s: default for %s: %w", e.Name, attr.Name, err)
			}
			attr.Default = def
		}
		e.attributes[attr.Name] = attr
	}

	for i := range e.Relationships {
		rel := &e.Relationships[i]
		if rel.Name == "" || rel.Destination == "" {
			return fmt.Errorf("entity %s: relationship needs a name and destination", e.Name)
		}
		if _, dup := e.attributes[rel.Name]; dup {
			return fmt.Errorf("entity %s: relationship %s shadows an attribute", e.Name, rel.Name)
		}
		if _, dup := e.relationships[rel.Name]; dup {
			return fmt.Errorf("entity %s: duplicate relationship %s", e.Name, rel.Name)
		}
		e.relationships[rel.Name] = rel
	}

	for _, key := range e.Unique {
		attr, ok := e.attributes[key]
		if !ok {
			return fmt.Errorf("entity %s: unique key %s is not an attribute", e.Name, key)
		}
		if attr.Type == TypeJSON || attr.Type == TypeBinary {
			return fmt.Errorf("entity %s: unique key %s must be a scalar type", e.Name, key)
		}
	}

	return nil
}

// Model is the set of entities a store knows about
type Model struct {
	entities map[string]*EntityDescription
}

// modelFile is the YAML layout read by LoadModel
type modelFile struct {
	Entities []*EntityDescription `yaml:"entities"`
}

// NewModel builds a model from entity descriptions
func NewModel(entities ...*EntityDescription) (*Model, error) {
	m := &Model{entities: make(map[string]*EntityDescription, len(entities))}
	for _, e := range entities {
		if err := e.index(); err != nil {
			return nil, err
		}
		if _, dup := m.entities[e.Name]; dup {
			return nil, fmt.Errorf("duplicate entity %s", e.Name)
		}
		m.entities[e.Name] = e
	}

	for _, e := range m.entities {
		for _, rel := range e.Relationships {
			if _, ok := m.entities[rel.Destination]; !ok {
				return nil, fmt.Errorf("entity %s: relationship %s points at unknown entity %s", e.Name, rel.Name, rel.Destination)
			}
		}
	}

	return m, nil
}

// ParseModel builds a model from YAML
func ParseModel(data []byte) (*Model, error) {
	var f modelFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse model: %w", err)
	}
	return NewModel(f.Entities...)
}

// LoadModel reads a YAML model file
func LoadModel(path string) (*Model, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read model: %w", err)
	}
	return ParseModel(data)
}

// Entity returns the named entity description
func (m *Model) Entity(name string) (*EntityDescription, bool) {
	if m == nil {
		return nil, false
	}
	e, ok := m.entities[name]
	return e, ok
}

// EntityNames returns all entity names in sorted order
func (m *Model) EntityNames() []string {
	if m == nil {
		return nil
	}
	names := make([]string, 0, len(m.entities))
	for name := range m.entities {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
