package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLookupReturnsSameVarOnRepeat(t *testing.T) {
	m := NewManager()
	a, err := Lookup(m, "fiber.stack_size", "stack size in bytes", uint32(1<<20))
	require.NoError(t, err)
	require.EqualValues(t, 1<<20, a.Value())

	b, err := Lookup(m, "fiber.stack_size", "ignored on repeat", uint32(99))
	require.NoError(t, err)
	require.Same(t, a, b)
	require.EqualValues(t, 1<<20, b.Value())
}

func TestLookupRejectsInvalidName(t *testing.T) {
	m := NewManager()
	_, err := Lookup(m, "Fiber.StackSize", "", uint32(0))
	require.Error(t, err)
}

func TestLookupRejectsTypeConflict(t *testing.T) {
	m := NewManager()
	_, err := Lookup(m, "x.y", "", uint32(1))
	require.NoError(t, err)

	_, err = Lookup(m, "x.y", "", "not a uint32")
	require.Error(t, err)
}

func TestSetValueFiresListenerOnChange(t *testing.T) {
	m := NewManager()
	v, err := Lookup(m, "x.y", "", 1)
	require.NoError(t, err)

	var oldSeen, newSeen int
	calls := 0
	v.AddListener(func(oldValue, newValue int) {
		calls++
		oldSeen, newSeen = oldValue, newValue
	})

	v.SetValue(1) // no-op: equal value
	require.Equal(t, 0, calls)

	v.SetValue(2)
	require.Equal(t, 1, calls)
	require.Equal(t, 1, oldSeen)
	require.Equal(t, 2, newSeen)
}

func TestRemoveListenerStopsNotifications(t *testing.T) {
	m := NewManager()
	v, err := Lookup(m, "x.y", "", 1)
	require.NoError(t, err)

	calls := 0
	key := v.AddListener(func(oldValue, newValue int) { calls++ })
	v.RemoveListener(key)

	v.SetValue(2)
	require.Equal(t, 0, calls)
}

func TestLoadYAMLAppliesNestedDottedKeys(t *testing.T) {
	m := NewManager()
	v, err := Lookup(m, "fiber.stack_size", "", uint32(1<<20))
	require.NoError(t, err)

	require.NoError(t, m.LoadYAML([]byte("fiber:\n  stack_size: 65536\n")))
	require.EqualValues(t, 65536, v.Value())
}

func TestLoadYAMLSkipsUnregisteredKeys(t *testing.T) {
	m := NewManager()
	err := m.LoadYAML([]byte("nothing:\n  registered: true\n"))
	require.NoError(t, err)
}
