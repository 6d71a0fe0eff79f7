package model

import (
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

// ErrUnknownArch is returned by Lookup for names nobody registered.
var ErrUnknownArch = errors.New("invalid architecture name")

// Factory builds a Trainable for one architecture.
type Factory func(opts Options) (Trainable, error)

type entry struct {
	arch    Arch
	factory Factory
}

var (
	registryMu sync.RWMutex
	registry   = map[string]entry{}
)

// Register adds an architecture under a.Name together with the factory that
// builds it. Names are unique.
func Register(a Arch, f Factory) error {
	if a.Name == "" {
		return errors.New("register: empty architecture name")
	}
	if f == nil {
		return errors.Errorf("register %s: nil factory", a.Name)
	}
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, ok := registry[a.Name]; ok {
		return errors.Errorf("register %s: already registered", a.Name)
	}
	registry[a.Name] = entry{arch: a, factory: f}
	return nil
}

// Lookup returns the architecture registered under name and its factory.
func Lookup(name string) (Arch, Factory, error) {
	registryMu.RLock()
	e, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return Arch{}, nil, errors.Wrapf(ErrUnknownArch, "%q (choose one of: %s)", name, strings.Join(Names(), ", "))
	}
	return e.arch, e.factory, nil
}

// Names lists registered architectures, sorted.
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
