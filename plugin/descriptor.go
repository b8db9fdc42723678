package plugin

import "fmt"

// Kind is the capability class of a registered handler.
type Kind string

const (
	KindCommand  Kind = "command"
	KindFunction Kind = "function"
	KindAutocmd  Kind = "autocmd"
	KindRPC      Kind = "rpc"
)

// HandlerFunc is the callable bound to a handler. For synchronous
// handlers the return value becomes the RPC response result; for
// asynchronous handlers the return value is discarded.
type HandlerFunc func(args []any) (any, error)

// Handler is the immutable descriptor for one registered capability.
type Handler struct {
	Kind        Kind
	Name        string // command/function name or autocmd event
	Pattern     string // autocmd only
	Sync        bool
	AllowNested bool
	Opts        map[string]any

	method string // full dispatch key
	fn     HandlerFunc
	plugin *Plugin
}

// Method returns the dispatch key the editor uses to invoke this
// handler: "<path>:command:<Name>", "<path>:function:<Name>",
// "<path>:autocmd:<Event>:<Pattern>", or the bare method name for raw
// RPC exports.
func (h *Handler) Method() string { return h.method }

// hasSpec reports whether the handler contributes a spec record.
// Raw RPC exports are internal wiring the editor never sees in the
// manifest.
func (h *Handler) hasSpec() bool { return h.Kind != KindRPC }

func methodKey(path string, k Kind, name, pattern string) string {
	switch k {
	case KindAutocmd:
		return fmt.Sprintf("%s:autocmd:%s:%s", path, name, pattern)
	case KindRPC:
		return name
	default:
		return fmt.Sprintf("%s:%s:%s", path, k, name)
	}
}

// CommandOpts declares editor-side attributes of a command handler.
// String fields are omitted from the emitted opts when empty.
type CommandOpts struct {
	Sync        bool
	AllowNested bool
	NArgs       string
	Range       string
	Count       string
	Bang        bool
	Register    bool
	Complete    string
	Eval        string
}

func (o CommandOpts) opts() map[string]any {
	m := map[string]any{}
	if o.Range != "" {
		m["range"] = o.Range
	} else if o.Count != "" {
		m["count"] = o.Count
	}
	if o.Bang {
		m["bang"] = ""
	}
	if o.Register {
		m["register"] = ""
	}
	if o.NArgs != "" {
		m["nargs"] = o.NArgs
	}
	if o.Complete != "" {
		m["complete"] = o.Complete
	}
	if o.Eval != "" {
		m["eval"] = o.Eval
	}
	return m
}

// FunctionOpts declares editor-side attributes of a function handler.
type FunctionOpts struct {
	Sync        bool
	AllowNested bool
	Range       string
	Eval        string
}

func (o FunctionOpts) opts() map[string]any {
	m := map[string]any{}
	if o.Range != "" {
		m["range"] = o.Range
	}
	if o.Eval != "" {
		m["eval"] = o.Eval
	}
	return m
}

// AutocmdOpts declares editor-side attributes of an autocmd handler.
// Pattern defaults to "*".
type AutocmdOpts struct {
	Sync        bool
	AllowNested bool
	Pattern     string
	Eval        string
}

func (o AutocmdOpts) opts() map[string]any {
	m := map[string]any{"pattern": o.pattern()}
	if o.Eval != "" {
		m["eval"] = o.Eval
	}
	return m
}

func (o AutocmdOpts) pattern() string {
	if o.Pattern == "" {
		return "*"
	}
	return o.Pattern
}
