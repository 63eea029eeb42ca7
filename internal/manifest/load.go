package manifest

import (
	"fmt"
	"os"
	"sort"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/load"
	"cuelang.org/go/cue/token"

	"github.com/roach88/worldline/internal/schema"
)

// document mirrors the CUE surface, where named collections are structs
// keyed by name.
type document struct {
	Version  int64                    `json:"version"`
	Modules  map[string]Module        `json:"modules"`
	Routing  []Route                  `json:"routing"`
	Effects  map[string]Effect        `json:"effects"`
	Grants   map[string]Grant         `json:"grants"`
	Adapters map[string]Adapter       `json:"adapters"`
	Policy   []Rule                   `json:"policy"`
	Events   map[string]schema.Schema `json:"events"`
}

// LoadError is a CUE load or decode failure with source position.
type LoadError struct {
	Field   string
	Message string
	Pos     token.Pos
}

func (e *LoadError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s",
			e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(),
			e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// LoadDir loads every CUE file of the package in dir and decodes the
// top-level `manifest` field.
func LoadDir(dir string) (*Manifest, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, &LoadError{Field: "dir", Message: err.Error()}
	}
	if !info.IsDir() {
		return nil, &LoadError{Field: "dir", Message: fmt.Sprintf("not a directory: %s", dir)}
	}

	instances := load.Instances([]string{"."}, &load.Config{Dir: dir})
	if len(instances) == 0 {
		return nil, &LoadError{Field: "cue", Message: "no CUE instances loaded"}
	}
	inst := instances[0]
	if inst.Err != nil {
		return nil, formatCUEError(inst.Err)
	}

	value := cuecontext.New().BuildInstance(inst)
	return fromValue(value)
}

// Parse compiles a single CUE source and decodes its `manifest` field.
func Parse(filename string, src []byte) (*Manifest, error) {
	value := cuecontext.New().CompileBytes(src, cue.Filename(filename))
	return fromValue(value)
}

func fromValue(value cue.Value) (*Manifest, error) {
	if err := value.Err(); err != nil {
		return nil, formatCUEError(err)
	}
	mv := value.LookupPath(cue.ParsePath("manifest"))
	if !mv.Exists() {
		return nil, &LoadError{Field: "manifest", Message: "top-level manifest field is required", Pos: value.Pos()}
	}
	if err := mv.Validate(cue.Concrete(true)); err != nil {
		return nil, formatCUEError(err)
	}

	var doc document
	if err := mv.Decode(&doc); err != nil {
		return nil, formatCUEError(err)
	}

	m := fromDocument(doc)
	if errs := m.Validate(); len(errs) > 0 {
		return nil, Errors(errs)
	}
	return m, nil
}

// fromDocument flattens keyed collections into name-sorted slices.
func fromDocument(doc document) *Manifest {
	m := &Manifest{
		Version: doc.Version,
		Routing: doc.Routing,
		Policy:  doc.Policy,
	}
	for _, name := range sortedKeys(doc.Modules) {
		mod := doc.Modules[name]
		mod.Name = name
		m.Modules = append(m.Modules, mod)
	}
	for _, kind := range sortedKeys(doc.Effects) {
		e := doc.Effects[kind]
		e.Kind = kind
		m.Effects = append(m.Effects, e)
	}
	for _, name := range sortedKeys(doc.Grants) {
		g := doc.Grants[name]
		g.Name = name
		m.Grants = append(m.Grants, g)
	}
	for _, id := range sortedKeys(doc.Adapters) {
		a := doc.Adapters[id]
		a.ID = id
		m.Adapters = append(m.Adapters, a)
	}
	for _, name := range sortedKeys(doc.Events) {
		m.Events = append(m.Events, Event{Schema: name, Fields: doc.Events[name]})
	}
	return m
}

func sortedKeys[V any](in map[string]V) []string {
	keys := make([]string, 0, len(in))
	for k := range in {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// formatCUEError keeps the first error and its position.
func formatCUEError(err error) error {
	errs := cueerrors.Errors(err)
	if len(errs) == 0 {
		return &LoadError{Field: "cue", Message: err.Error()}
	}
	first := errs[0]
	le := &LoadError{Field: "cue", Message: first.Error()}
	if positions := cueerrors.Positions(first); len(positions) > 0 {
		le.Pos = positions[0]
	}
	return le
}
