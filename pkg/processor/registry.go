package processor

import (
	"fmt"
	"slices"
	"sync"
)

// Factory builds a processor from its job options.
type Factory func(options map[string]string) (Processor, error)

var (
	mu       sync.RWMutex
	registry = make(map[string]Factory)
)

func Register(name string, factory Factory) error {
	mu.Lock()
	defer mu.Unlock()

	if _, exists := registry[name]; exists {
		return fmt.Errorf("processor already registered: %s", name)
	}
	registry[name] = factory
	return nil
}

func Get(name string) (Factory, error) {
	mu.RLock()
	defer mu.RUnlock()

	factory, exists := registry[name]
	if !exists {
		return nil, fmt.Errorf("processor not found: %s", name)
	}
	return factory, nil
}

// New looks up name and builds it with options.
func New(name string, options map[string]string) (Processor, error) {
	factory, err := Get(name)
	if err != nil {
		return nil, err
	}
	p, err := factory(options)
	if err != nil {
		return nil, fmt.Errorf("failed to configure processor %s: %w", name, err)
	}
	return p, nil
}

// List returns the registered names in sorted order.
func List() []string {
	mu.RLock()
	defer mu.RUnlock()

	var names []string
	for name := range registry {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
