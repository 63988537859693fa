package library

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/distribution/reference"
	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/antigravity-dev/metasmith/internal/hashing"
)

var transformKeyGen = hashing.New(false)

// TransformInstance is a loaded transform definition: the shell command
// template an agent runs to execute it, its declared input/output type
// signatures, and an optional container image reference describing the
// environment it expects to run in.
//
// The original loaded these by importing a Python module and reading back
// whatever the module's top-level code registered into a process-global
// slot (TransformInstance.Register). A definition here is plain data
// instead: there is no code to import, so there is no registry to race.
type TransformInstance struct {
	Source          string
	Protocol        string   // shell command template, run via the relay
	InputSignature  []string // property-set signatures this transform requires
	OutputSignature []string // property-set signatures this transform produces
	Container       string   // optional container image reference

	key string // derived from the definition file's raw bytes at load time
}

// Key returns the transform's stable, content-derived identifier.
func (t *TransformInstance) Key() string { return t.key }

type transformDefinitionYAML struct {
	Protocol  string   `yaml:"protocol"`
	Inputs    []string `yaml:"inputs"`
	Outputs   []string `yaml:"outputs"`
	Container string   `yaml:"container"`
}

// LoadTransformDefinition reads and validates a single transform
// definition file.
func LoadTransformDefinition(path string) (*TransformInstance, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("library: reading transform definition %s: %w", path, err)
	}
	var parsed transformDefinitionYAML
	if err := yaml.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("library: parsing transform definition %s: %w", path, err)
	}
	if parsed.Protocol == "" {
		return nil, fmt.Errorf("library: transform definition %s: protocol is required", path)
	}
	if parsed.Container != "" {
		if _, err := reference.ParseNormalizedNamed(parsed.Container); err != nil {
			return nil, fmt.Errorf("library: transform definition %s: invalid container reference %q: %w", path, parsed.Container, err)
		}
	}
	return &TransformInstance{
		Source:          path,
		Protocol:        parsed.Protocol,
		InputSignature:  parsed.Inputs,
		OutputSignature: parsed.Outputs,
		Container:       parsed.Container,
		key:             transformKeyGen.FromStr(string(raw), 5),
	}, nil
}

// TransformInstanceLibrary is the set of transform definitions loaded from
// one or more root directories, keyed by root then by path relative to
// that root.
type TransformInstanceLibrary struct {
	roots    []string
	manifest map[string]map[string]*TransformInstance
}

// Len returns the total number of loaded transform definitions.
func (l *TransformInstanceLibrary) Len() int {
	n := 0
	for _, section := range l.manifest {
		n += len(section)
	}
	return n
}

// GetByKey finds a loaded transform definition by its content-derived key.
func (l *TransformInstanceLibrary) GetByKey(key string) (*TransformInstance, bool) {
	for _, section := range l.manifest {
		for _, tr := range section {
			if tr.key == key {
				return tr, true
			}
		}
	}
	return nil, false
}

// All iterates every (full path, transform) pair across every root.
func (l *TransformInstanceLibrary) All(yield func(path string, tr *TransformInstance) bool) {
	for root, section := range l.manifest {
		for rel, tr := range section {
			if !yield(filepath.Join(root, rel), tr) {
				return
			}
		}
	}
}

// LoadTransformInstanceLibrary globs every "*.yaml" transform definition
// under each root, collecting load failures rather than aborting on the
// first bad file when silent is true.
func LoadTransformInstanceLibrary(roots []string, silent bool) (*TransformInstanceLibrary, []string, error) {
	manifest := make(map[string]map[string]*TransformInstance, len(roots))
	var failures []string

	for _, root := range roots {
		absRoot, err := filepath.Abs(root)
		if err != nil {
			return nil, nil, fmt.Errorf("library: resolving root %s: %w", root, err)
		}
		info, err := os.Stat(absRoot)
		if err != nil || !info.IsDir() {
			return nil, nil, fmt.Errorf("library: transform library root %s must be a directory", root)
		}

		section := make(map[string]*TransformInstance)
		err = filepath.WalkDir(absRoot, func(p string, d os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() || !strings.HasSuffix(p, ".yaml") {
				return nil
			}
			rel, err := filepath.Rel(absRoot, p)
			if err != nil {
				return err
			}
			inst, err := LoadTransformDefinition(p)
			if err != nil {
				if !silent {
					return err
				}
				failures = append(failures, rel)
				return nil
			}
			section[rel] = inst
			return nil
		})
		if err != nil {
			return nil, nil, err
		}
		manifest[absRoot] = section
	}

	return &TransformInstanceLibrary{roots: roots, manifest: manifest}, failures, nil
}

// LibraryChangeEvent reports a transform definition file that changed on
// disk after the library was loaded.
type LibraryChangeEvent struct {
	Path string
	Op   fsnotify.Op
}

// Watch reports create/write/remove events for "*.yaml" files under every
// root this library was loaded from, until ctx is canceled. It does not
// itself reload the library; callers decide whether and how to react.
func (l *TransformInstanceLibrary) Watch(ctx context.Context) (<-chan LibraryChangeEvent, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("library: starting watcher: %w", err)
	}
	for root := range l.manifest {
		if err := watcher.Add(root); err != nil {
			watcher.Close()
			return nil, fmt.Errorf("library: watching %s: %w", root, err)
		}
	}

	out := make(chan LibraryChangeEvent)
	go func() {
		defer watcher.Close()
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !strings.HasSuffix(ev.Name, ".yaml") {
					continue
				}
				select {
				case out <- LibraryChangeEvent{Path: ev.Name, Op: ev.Op}:
				case <-ctx.Done():
					return
				}
			case <-watcher.Errors:
			}
		}
	}()
	return out, nil
}
