package library

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// DataInstance is a concrete piece of data on disk, typed against a
// DataType from some DataTypeLibrary.
type DataInstance struct {
	Source string
	Type   *DataType
}

// Hash returns a stable content-addressed identifier derived from the
// instance's resolved source path and its type's property set, mirroring
// the original's str_hash(source + properties) digest.
func (d *DataInstance) Hash() string {
	abs, err := filepath.Abs(d.Source)
	if err != nil {
		abs = d.Source
	}
	sum := sha256.Sum256([]byte(abs + strings.Join(d.Type.AsProperties(), "")))
	return hex.EncodeToString(sum[:])
}

type dataInstanceYAML struct {
	Source string `yaml:"source"`
	Type   string `yaml:"type"`
}

type dataInstanceLibraryYAML struct {
	Description    string                       `yaml:"description"`
	TypesLibrary   string                       `yaml:"types_library"`
	Manifest       map[string]dataInstanceYAML  `yaml:"manifest"`
	TimeCreated    time.Time                    `yaml:"time_created"`
	TimeModified   time.Time                    `yaml:"time_modified"`
}

// DataInstanceLibrary is a manifest of named DataInstances, all typed
// against one DataTypeLibrary.
type DataInstanceLibrary struct {
	Description  string
	TypesLibrary *DataTypeLibrary
	Manifest     map[string]*DataInstance
	TimeCreated  time.Time
	TimeModified time.Time

	sourcePath string
}

// Get looks up a manifest entry by name.
func (l *DataInstanceLibrary) Get(name string) (*DataInstance, bool) {
	inst, ok := l.Manifest[name]
	return inst, ok
}

var (
	instanceLibraryCacheMu sync.Mutex
	instanceLibraryCache   = map[string]*DataInstanceLibrary{}
)

// LoadDataInstanceLibrary reads and parses a manifest file, resolving its
// referenced types_library relative to the manifest's own directory.
func LoadDataInstanceLibrary(path string) (*DataInstanceLibrary, error) {
	instanceLibraryCacheMu.Lock()
	defer instanceLibraryCacheMu.Unlock()

	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	if cached, ok := instanceLibraryCache[abs]; ok {
		return cached, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("library: reading instance library %s: %w", path, err)
	}
	var parsed dataInstanceLibraryYAML
	if err := yaml.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("library: parsing instance library %s: %w", path, err)
	}

	typesPath := parsed.TypesLibrary
	if !filepath.IsAbs(typesPath) {
		typesPath = filepath.Join(filepath.Dir(abs), typesPath)
	}
	typesLib, err := LoadDataTypeLibrary(typesPath)
	if err != nil {
		return nil, err
	}

	manifest := make(map[string]*DataInstance, len(parsed.Manifest))
	for name, raw := range parsed.Manifest {
		dt, ok := typesLib.Get(raw.Type)
		if !ok {
			return nil, fmt.Errorf("library: instance %q references unknown type %q", name, raw.Type)
		}
		manifest[name] = &DataInstance{Source: raw.Source, Type: dt}
	}

	lib := &DataInstanceLibrary{
		Description:  parsed.Description,
		TypesLibrary: typesLib,
		Manifest:     manifest,
		TimeCreated:  parsed.TimeCreated,
		TimeModified: parsed.TimeModified,
		sourcePath:   abs,
	}
	instanceLibraryCache[abs] = lib
	return lib, nil
}

// Dump writes the manifest back out as YAML, refreshing TimeModified.
func (l *DataInstanceLibrary) Dump(path string) error {
	l.TimeModified = time.Now()

	manifest := make(map[string]dataInstanceYAML, len(l.Manifest))
	for name, inst := range l.Manifest {
		manifest[name] = dataInstanceYAML{Source: inst.Source, Type: inst.Type.Name}
	}

	out := dataInstanceLibraryYAML{
		Description:  l.Description,
		TypesLibrary: l.TypesLibrary.Source,
		Manifest:     manifest,
		TimeCreated:  l.TimeCreated,
		TimeModified: l.TimeModified,
	}
	raw, err := yaml.Marshal(out)
	if err != nil {
		return fmt.Errorf("library: marshaling instance library: %w", err)
	}
	return os.WriteFile(path, raw, 0644)
}
