package manifest

import (
	stderrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/opencadc/librarian/internal/errors"
)

// Load parses and validates a single manifest document. It returns a
// manifest with defaults applied, or a schema error naming the offending
// field path.
func Load(data []byte) (*Manifest, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, errors.Wrap(err, errors.CategorySchema, errors.SeverityFatal, "malformed YAML")
	}
	if root.Kind != yaml.DocumentNode || len(root.Content) == 0 {
		return nil, errors.SchemaError("", "empty manifest document")
	}
	doc := root.Content[0]
	if err := checkManifestNode(doc); err != nil {
		return nil, err
	}

	var m Manifest
	if err := doc.Decode(&m); err != nil {
		return nil, errors.Wrap(err, errors.CategorySchema, errors.SeverityFatal, "manifest does not match schema")
	}
	applyDefaults(&m)
	if err := validate(&m); err != nil {
		return nil, err
	}
	return &m, nil
}

// LoadFile loads a manifest from disk.
func LoadFile(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, errors.CategorySchema, errors.SeverityFatal,
			fmt.Sprintf("cannot read manifest %s", path))
	}
	m, err := Load(data)
	if err != nil {
		var le *errors.Error
		if stderrors.As(err, &le) {
			return nil, le.WithContext("file", path)
		}
		return nil, err
	}
	return m, nil
}

// Serialize renders a manifest back to YAML. Load(Serialize(m)) yields a
// manifest equal to m.
func Serialize(m *Manifest) ([]byte, error) {
	data, err := yaml.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal manifest: %w", err)
	}
	return data, nil
}

// Store holds the set of known manifests and enforces cross-manifest
// uniqueness of metadata.identifier and name.
type Store struct {
	byName       map[string]*Manifest
	byIdentifier map[string]*Manifest
}

// NewStore returns an empty manifest store.
func NewStore() *Store {
	return &Store{
		byName:       make(map[string]*Manifest),
		byIdentifier: make(map[string]*Manifest),
	}
}

// Add registers a manifest, rejecting duplicate names or identifiers.
func (s *Store) Add(m *Manifest) error {
	if prev, ok := s.byName[m.Name]; ok && prev != m {
		return errors.SchemaError("name", fmt.Sprintf("duplicate manifest name %q", m.Name))
	}
	if prev, ok := s.byIdentifier[m.Metadata.Identifier]; ok && prev.Name != m.Name {
		return errors.SchemaError("metadata.identifier",
			fmt.Sprintf("identifier %q already used by manifest %q", m.Metadata.Identifier, prev.Name))
	}
	s.byName[m.Name] = m
	s.byIdentifier[m.Metadata.Identifier] = m
	return nil
}

// Get returns the manifest with the given name, or nil.
func (s *Store) Get(name string) *Manifest {
	return s.byName[name]
}

// Names returns all manifest names in sorted order.
func (s *Store) Names() []string {
	names := make([]string, 0, len(s.byName))
	for n := range s.byName {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// LoadDir loads every *.yaml/*.yml manifest under dir into a Store. The
// first schema error aborts the load so a broken manifest never slips into
// the working set.
func LoadDir(dir string) (*Store, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrap(err, errors.CategoryConfig, errors.SeverityFatal,
			fmt.Sprintf("cannot read manifest directory %s", dir))
	}
	store := NewStore()
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		m, err := LoadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, err
		}
		if err := store.Add(m); err != nil {
			return nil, err
		}
	}
	return store, nil
}
