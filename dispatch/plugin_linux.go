package dispatch

import (
	"fmt"
	"plugin"

	"github.com/mlos-go/mlos/mlosterr"
)

// PluginRegisterSymbol is the exported symbol a dynamically loaded
// schema assembly must provide for LoadPlugin to find: a variable
// implementing Plugin (spec.md §9: "a plugin interface — dynamic
// library with a single register(context) entry point that appends to
// the global dispatch table").
const PluginRegisterSymbol = "MlosPlugin"

// Plugin is implemented by a dynamically loaded schema assembly's
// entry point. LoadPlugin looks up a Plugin-typed symbol named
// PluginRegisterSymbol and calls Register against the table being
// extended.
type Plugin interface {
	Register(t *Table) error
}

// LoadPlugin opens the shared object at path (built with
// `go build -buildmode=plugin`) and invokes its Plugin's Register
// entry point against t, the runtime-dynamic alternative to passing a
// statically linked SchemaRegistry straight to AddRegistry. Linux-only,
// matching the stdlib plugin package's own platform support.
func LoadPlugin(path string, t *Table) error {
	p, err := plugin.Open(path)
	if err != nil {
		return fmt.Errorf("dispatch: open plugin %s: %w", path, err)
	}
	sym, err := p.Lookup(PluginRegisterSymbol)
	if err != nil {
		return fmt.Errorf("dispatch: plugin %s: %w", path, err)
	}
	impl, ok := sym.(Plugin)
	if !ok {
		return fmt.Errorf("dispatch: plugin %s: %w: %s does not implement Plugin", path, mlosterr.ErrUnsupported, PluginRegisterSymbol)
	}
	return impl.Register(t)
}
