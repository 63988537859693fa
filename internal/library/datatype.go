// Package library loads the on-disk type, instance, and transform
// libraries a planning run draws from: YAML-described data types and
// instances, and loadable transform definitions.
package library

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"gopkg.in/yaml.v3"
)

// DataType is a named, library-scoped type declaration: a set of
// properties plus the ancestor types it extends. Two DataTypes with the
// same name in the same library are the same value.
type DataType struct {
	Name       string
	Properties map[string]any
	Library    *DataTypeLibrary
	Ancestors  []*DataType
}

// AsProperties flattens Properties into the "key=value" string set the
// planner's type algebra matches on; list-valued properties join with ",".
func (d *DataType) AsProperties() []string {
	out := make([]string, 0, len(d.Properties))
	for k, v := range d.Properties {
		switch val := v.(type) {
		case []any:
			parts := make([]string, len(val))
			for i, p := range val {
				parts[i] = fmt.Sprint(p)
			}
			out = append(out, fmt.Sprintf("%s=%s", k, strings.Join(parts, ",")))
		default:
			out = append(out, fmt.Sprintf("%s=%v", k, val))
		}
	}
	sort.Strings(out)
	return out
}

type dataTypeYAML struct {
	Schema  string                    `yaml:"schema"`
	Ontology map[string]any           `yaml:"ontology"`
	Types   map[string]map[string]any `yaml:"types"`
}

// DataTypeLibrary is a loaded `types.yaml`-style file: a schema tag, free
// form ontology metadata, and the named DataTypes it declares.
type DataTypeLibrary struct {
	Key      string
	Source   string
	Schema   string
	Ontology map[string]any
	Types    map[string]*DataType
}

// Get looks up a declared type by name.
func (l *DataTypeLibrary) Get(name string) (*DataType, bool) {
	dt, ok := l.Types[name]
	return dt, ok
}

var (
	libraryCacheMu sync.Mutex
	libraryCache   = map[string]*DataTypeLibrary{}
)

// LoadDataTypeLibrary reads and parses path, caching by resolved path so
// repeated references to the same library file return the same instance.
func LoadDataTypeLibrary(path string) (*DataTypeLibrary, error) {
	libraryCacheMu.Lock()
	defer libraryCacheMu.Unlock()

	if cached, ok := libraryCache[path]; ok {
		return cached, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("library: reading type library %s: %w", path, err)
	}
	var parsed dataTypeYAML
	if err := yaml.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("library: parsing type library %s: %w", path, err)
	}

	key := strings.TrimSuffix(pathBase(path), pathExt(path))
	lib := &DataTypeLibrary{
		Key:      key,
		Source:   path,
		Schema:   parsed.Schema,
		Ontology: parsed.Ontology,
		Types:    make(map[string]*DataType, len(parsed.Types)),
	}
	for name, props := range parsed.Types {
		lib.Types[name] = &DataType{Name: name, Properties: props, Library: lib}
	}
	libraryCache[path] = lib
	return lib, nil
}

func pathBase(p string) string {
	i := strings.LastIndexByte(p, '/')
	return p[i+1:]
}

func pathExt(p string) string {
	i := strings.LastIndexByte(p, '.')
	if i < 0 {
		return ""
	}
	return p[i:]
}

// typeCache is the bounded replacement for the original's module-global
// _data_type_cache: callers that need fast repeated lookups of a type by
// name can use this instead of re-walking DataTypeLibrary.Types.
type typeCache struct {
	cache *lru.Cache[string, *DataType]
}

func newTypeCache(size int) (*typeCache, error) {
	if size <= 0 {
		size = 1024
	}
	c, err := lru.New[string, *DataType](size)
	if err != nil {
		return nil, err
	}
	return &typeCache{cache: c}, nil
}
