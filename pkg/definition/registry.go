package definition

import (
	"context"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/gabrielmiguelok/livewizard/pkg/forms"
	"github.com/gabrielmiguelok/livewizard/pkg/wizard"
)

// Registry holds definitions by id.
type Registry struct {
	mu   sync.RWMutex
	defs map[string]*Definition
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{defs: make(map[string]*Definition)}
}

// Add registers def. Ids must be unique.
func (r *Registry) Add(def *Definition) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.defs[def.ID]; ok {
		return fmt.Errorf("%w: duplicate id %q (%s and %s)", ErrInvalidDefinition, def.ID, sourceName(existing.Source), sourceName(def.Source))
	}
	r.defs[def.ID] = def
	return nil
}

// Get returns the definition with id.
func (r *Registry) Get(id string) (*Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[id]
	return def, ok
}

// IDs lists registered ids, sorted.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.defs))
	for id := range r.defs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Len returns the number of definitions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.defs)
}

// LoadFS parses every *.yaml and *.yml file under fsys.
func (r *Registry) LoadFS(fsys fs.FS, reg *forms.CustomRegistry) error {
	return fs.WalkDir(fsys, ".", func(p string, entry fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if entry.IsDir() {
			return nil
		}
		switch strings.ToLower(path.Ext(p)) {
		case ".yaml", ".yml":
		default:
			return nil
		}
		data, err := fs.ReadFile(fsys, p)
		if err != nil {
			return fmt.Errorf("definition: read %s: %w", p, err)
		}
		def, err := parse(data, p, reg)
		if err != nil {
			return err
		}
		return r.Add(def)
	})
}

// LoadOpenAPI adds the definitions of the given operations of an OpenAPI
// document.
func (r *Registry) LoadOpenAPI(ctx context.Context, raw []byte, operationIDs ...string) error {
	for _, id := range operationIDs {
		def, err := FromOpenAPI(ctx, raw, id)
		if err != nil {
			return err
		}
		if err := r.Add(def); err != nil {
			return err
		}
	}
	return nil
}

// NewController starts a wizard for def.
func (d *Definition) NewController(onSubmit wizard.SubmitFunc, opts ...wizard.Option) (*wizard.Controller, error) {
	return wizard.New(d.Steps, onSubmit, opts...)
}
