// Package config implements a generically-typed, name-keyed configuration
// store with change listeners, loaded from YAML. It is the Go translation
// of the "lookup by name, typed, with change listeners" config system named
// in this module's logging convention, generalized with Go generics instead
// of C++ templates and boost::lexical_cast.
package config

import (
	"fmt"
	"regexp"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/fibercore/fiberd/fiberlog"
)

var nameRe = regexp.MustCompile(`^[a-z._0-9]+$`)

// Listener is called with the old and new value whenever a ConfigVar's value
// actually changes (not called for a no-op set of an equal value).
type Listener[T any] func(oldValue, newValue T)

// ConfigVar is one named, typed, defaulted configuration value.
type ConfigVar[T any] struct {
	mu          sync.RWMutex
	name        string
	description string
	val         T
	listeners   map[uint64]Listener[T]
	nextID      uint64
}

// Name returns the variable's dotted name, e.g. "fiber.stack_size".
func (c *ConfigVar[T]) Name() string { return c.name }

// Description returns the variable's human-readable description.
func (c *ConfigVar[T]) Description() string { return c.description }

// Value returns the current value.
func (c *ConfigVar[T]) Value() T {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.val
}

// SetValue replaces the value, firing every registered listener (with the
// lock released) exactly when the new value differs from the old one, per
// equal-value comparisons via fmt.Sprintf round-tripping (T is not
// constrained to comparable, since YAML-decoded slice/map values are not).
func (c *ConfigVar[T]) SetValue(val T) {
	c.mu.Lock()
	old := c.val
	if sameValue(old, val) {
		c.mu.Unlock()
		return
	}
	c.val = val
	listeners := make([]Listener[T], 0, len(c.listeners))
	for _, l := range c.listeners {
		listeners = append(listeners, l)
	}
	c.mu.Unlock()

	for _, l := range listeners {
		l(old, val)
	}
}

func sameValue[T any](a, b T) bool {
	return fmt.Sprintf("%#v", a) == fmt.Sprintf("%#v", b)
}

// AddListener registers cb, returning a key usable with RemoveListener.
func (c *ConfigVar[T]) AddListener(cb Listener[T]) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	key := c.nextID
	if c.listeners == nil {
		c.listeners = make(map[uint64]Listener[T])
	}
	c.listeners[key] = cb
	return key
}

// RemoveListener unregisters a listener added via AddListener.
func (c *ConfigVar[T]) RemoveListener(key uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.listeners, key)
}

// ClearListeners removes every registered listener.
func (c *ConfigVar[T]) ClearListeners() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = nil
}

// entry type-erases a *ConfigVar[T] so Manager can store heterogeneous
// variables in one map, the same role ConfigArgBase plays for ConfigArg<T>.
type entry interface {
	name() string
	loadYAML(node *yaml.Node) error
}

type typedEntry[T any] struct {
	v *ConfigVar[T]
}

func (e typedEntry[T]) name() string { return e.v.name }

func (e typedEntry[T]) loadYAML(node *yaml.Node) error {
	var decoded T
	if err := node.Decode(&decoded); err != nil {
		return fmt.Errorf("config: decode %q: %w", e.v.name, err)
	}
	e.v.SetValue(decoded)
	return nil
}

// Manager owns a set of named ConfigVars and can bulk-load their values from
// a YAML document, descending into nested mapping keys the way the original
// recursively walks YAML::Node children to build dotted names.
type Manager struct {
	mu   sync.RWMutex
	data map[string]entry
}

// NewManager constructs an empty Manager.
func NewManager() *Manager {
	return &Manager{data: make(map[string]entry)}
}

// Default is the package-level Manager consulted by default wherever a
// component does not have one threaded through explicitly (e.g. fiber.New's
// "0 ⇒ default stack size" fallback).
var Default = NewManager()

// Lookup returns the existing ConfigVar registered under name, registering a
// new one defaulted to defaultValue if none exists yet. Returns an error if
// name contains characters other than lowercase letters, digits, '.' or '_',
// or if name is already registered with an incompatible type.
func Lookup[T any](m *Manager, name, description string, defaultValue T) (*ConfigVar[T], error) {
	if !nameRe.MatchString(name) {
		return nil, fmt.Errorf("config: invalid variable name %q", name)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.data[name]; ok {
		te, ok := existing.(typedEntry[T])
		if !ok {
			return nil, fmt.Errorf("config: %q already registered with a different type", name)
		}
		return te.v, nil
	}

	v := &ConfigVar[T]{name: name, description: description, val: defaultValue}
	m.data[name] = typedEntry[T]{v: v}
	return v, nil
}

// MustLookup is Lookup, panicking on error — intended for package-level
// variable initialization where name is a compile-time constant.
func MustLookup[T any](m *Manager, name, description string, defaultValue T) *ConfigVar[T] {
	v, err := Lookup(m, name, description, defaultValue)
	if err != nil {
		panic(err)
	}
	return v
}

// LoadYAML decodes a YAML document, applying every scalar key path present
// (e.g. "fiber:\n  stack_size: 65536" applies to a variable registered as
// "fiber.stack_size") to any ConfigVar already registered under that dotted
// name. Keys with no matching registered variable are skipped silently,
// not treated as errors, matching the original's tolerant reload behavior.
func (m *Manager) LoadYAML(data []byte) error {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return fmt.Errorf("config: parse yaml: %w", err)
	}
	if len(root.Content) == 0 {
		return nil
	}
	m.walk("", root.Content[0])
	return nil
}

func (m *Manager) walk(prefix string, node *yaml.Node) {
	if node.Kind != yaml.MappingNode {
		return
	}
	for i := 0; i+1 < len(node.Content); i += 2 {
		key := node.Content[i].Value
		val := node.Content[i+1]
		name := key
		if prefix != "" {
			name = prefix + "." + key
		}

		m.mu.RLock()
		e, ok := m.data[name]
		m.mu.RUnlock()

		if ok {
			if err := e.loadYAML(val); err != nil {
				fiberlog.System().Err().Err(err).Str("name", name).Log("config: failed to apply value")
			}
			continue
		}

		if val.Kind == yaml.MappingNode {
			m.walk(name, val)
		}
	}
}
