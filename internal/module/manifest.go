package module

import (
	"fmt"
	"sync"
)

// Manifest is the set of currently loaded modules (os/module.cc's
// ModuleManager): read-mostly, so lookups take a shared lock and only
// Register takes an exclusive one (spec.md §5: "Module manifest /
// exception tables. Read-mostly, protected by a reader-writer lock with
// readers heavily favored").
type Manifest struct {
	mu      sync.RWMutex
	modules []*Module
	byName  map[string]*Module
}

// NewManifest creates an empty manifest.
func NewManifest() *Manifest {
	return &Manifest{byName: make(map[string]*Module)}
}

// Register adds mod to the manifest. It returns an error if a module with
// the same name is already registered (os/module.cc's
// `GRANARY_ASSERT(!FindByName(module->name))`, downgraded from a fatal
// assertion to a returned error: module discovery is host-driven input,
// not an internal invariant the translator itself could violate).
func (m *Manifest) Register(mod *Module) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.byName[mod.name]; exists {
		return fmt.Errorf("module: %q is already registered", mod.name)
	}
	m.modules = append(m.modules, mod)
	m.byName[mod.name] = mod
	return nil
}

// FindByName returns the module registered under name, if any.
func (m *Manifest) FindByName(name string) (*Module, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	mod, ok := m.byName[name]
	return mod, ok
}

// FindByPC returns the module containing pc, if any (os/module.cc's
// ModuleManager::FindByAppPC, minus the "register built-ins and retry
// once" fallback: that loop exists in the original to lazily discover
// modules from /proc/self/maps on first miss, which spec.md §1 places out
// of scope as an external collaborator's job — here a miss is just a
// miss, and it's up to the caller to have registered the module first).
func (m *Manifest) FindByPC(pc uint64) (*Module, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, mod := range m.modules {
		if mod.Contains(pc) {
			return mod, true
		}
	}
	return nil, false
}

// Modules returns a defensive copy of every registered module, in
// registration order.
func (m *Manifest) Modules() []*Module {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Module, len(m.modules))
	copy(out, m.modules)
	return out
}
