package plugin

import (
	"github.com/editkit/rplugin-go/rpc"
)

// Plugin is a declarative bundle of handlers sharing one lazily-run
// initializer. Building a Plugin only records metadata; the
// initializer runs on the first dispatch into any of its handlers.
type Plugin struct {
	path     string
	init     func(*rpc.Session) error
	shutdown []func()
	handlers []*Handler // declaration order
}

// New starts a plugin declaration. Path is the identity the editor
// registered the plugin under; it prefixes every handler's dispatch
// key and keys the plugin's spec records.
func New(path string) *Plugin {
	return &Plugin{path: path}
}

// Path returns the plugin's registration path.
func (p *Plugin) Path() string { return p.path }

// OnInit sets the initializer, run once before the first handler
// dispatch with the live session. An initializer error is cached: every
// later dispatch into the plugin fails with the same error without the
// initializer being run again.
func (p *Plugin) OnInit(fn func(*rpc.Session) error) *Plugin {
	p.init = fn
	return p
}

// OnShutdown registers a hook run when the host unloads the plugin.
func (p *Plugin) OnShutdown(fn func()) *Plugin {
	p.shutdown = append(p.shutdown, fn)
	return p
}

// Command declares a command handler.
func (p *Plugin) Command(name string, o CommandOpts, fn HandlerFunc) *Plugin {
	return p.add(&Handler{
		Kind:        KindCommand,
		Name:        name,
		Sync:        o.Sync,
		AllowNested: o.AllowNested,
		Opts:        o.opts(),
		method:      methodKey(p.path, KindCommand, name, ""),
		fn:          fn,
	})
}

// Function declares a function handler.
func (p *Plugin) Function(name string, o FunctionOpts, fn HandlerFunc) *Plugin {
	return p.add(&Handler{
		Kind:        KindFunction,
		Name:        name,
		Sync:        o.Sync,
		AllowNested: o.AllowNested,
		Opts:        o.opts(),
		method:      methodKey(p.path, KindFunction, name, ""),
		fn:          fn,
	})
}

// Autocmd declares an autocommand handler for the given event.
func (p *Plugin) Autocmd(event string, o AutocmdOpts, fn HandlerFunc) *Plugin {
	return p.add(&Handler{
		Kind:        KindAutocmd,
		Name:        event,
		Pattern:     o.pattern(),
		Sync:        o.Sync,
		AllowNested: o.AllowNested,
		Opts:        o.opts(),
		method:      methodKey(p.path, KindAutocmd, event, o.pattern()),
		fn:          fn,
	})
}

// RPCExport declares a raw RPC handler reachable under the bare method
// name, bypassing the path-prefixed naming scheme. Raw exports emit no
// spec record.
func (p *Plugin) RPCExport(method string, sync bool, fn HandlerFunc) *Plugin {
	return p.add(&Handler{
		Kind:   KindRPC,
		Name:   method,
		Sync:   sync,
		method: methodKey(p.path, KindRPC, method, ""),
		fn:     fn,
	})
}

func (p *Plugin) add(h *Handler) *Plugin {
	h.plugin = p
	p.handlers = append(p.handlers, h)
	return p
}

// Handlers returns the declared handlers in declaration order.
func (p *Plugin) Handlers() []*Handler {
	out := make([]*Handler, len(p.handlers))
	copy(out, p.handlers)
	return out
}

// Specs returns the plugin's spec records in declaration order.
// Extracting specs never runs the initializer.
func (p *Plugin) Specs() []Spec {
	var specs []Spec
	for _, h := range p.handlers {
		if !h.hasSpec() {
			continue
		}
		specs = append(specs, specFor(h))
	}
	return specs
}
