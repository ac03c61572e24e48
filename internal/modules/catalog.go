package modules

import (
	"sort"
	"sync"
)

var catalog = struct {
	sync.RWMutex
	values map[string]interface{}
}{values: make(map[string]interface{})}

// Register makes value loadable under the bare specifier name. Packages
// call it from init to publish builtin plugins.
func Register(name string, value interface{}) {
	catalog.Lock()
	defer catalog.Unlock()
	catalog.values[name] = value
}

// Lookup returns the catalog value registered under name.
func Lookup(name string) (interface{}, bool) {
	catalog.RLock()
	defer catalog.RUnlock()
	v, ok := catalog.values[name]
	return v, ok
}

// Builtins lists the registered catalog names, sorted.
func Builtins() []string {
	catalog.RLock()
	defer catalog.RUnlock()

	names := make([]string, 0, len(catalog.values))
	for name := range catalog.values {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
