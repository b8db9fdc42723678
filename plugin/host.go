package plugin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/editkit/rplugin-go/internal/logctx"
	"github.com/editkit/rplugin-go/rpc"
)

// Version reported to the editor when the host announces itself.
const Version = "0.5.0"

// HostOption customizes a Host.
type HostOption func(*Host)

// WithHostLogger sets the host's logger.
func WithHostLogger(l *slog.Logger) HostOption {
	return func(h *Host) {
		if l != nil {
			h.log = l
		}
	}
}

// WithClientName sets the client name announced to the editor.
func WithClientName(name string) HostOption {
	return func(h *Host) { h.name = name }
}

type groupState struct {
	initialized bool
	err         error
}

type deferredCall struct {
	h    *Handler
	args []any
}

// Host routes inbound requests and notifications to registered plugin
// handlers. It owns the method dispatch tables, the lazy plugin
// initialization state, and the sync/async nesting policy: while a
// synchronous handler is executing, asynchronous handlers without
// AllowNested are queued and run, in arrival order, once the blocking
// region exits.
type Host struct {
	session *rpc.Session
	log     *slog.Logger
	name    string

	requestHandlers      map[string]*Handler
	notificationHandlers map[string]*Handler
	autocmds             []*Handler // registration order, for pattern fan-out
	plugins              []*Plugin
	specs                map[string][]Spec
	loadErrors           map[string]string

	groups     map[*Plugin]*groupState
	blockDepth int
	deferred   []deferredCall
}

// NewHost builds a host on the given session and installs the built-in
// methods the editor probes: "poll", "specs" and "shutdown", plus the
// "nvim_error_event" notification sink.
func NewHost(session *rpc.Session, opts ...HostOption) *Host {
	h := &Host{
		session:              session,
		log:                  slog.Default(),
		name:                 "rplugin-host",
		requestHandlers:      make(map[string]*Handler),
		notificationHandlers: make(map[string]*Handler),
		specs:                make(map[string][]Spec),
		loadErrors:           make(map[string]string),
		groups:               make(map[*Plugin]*groupState),
	}
	for _, opt := range opts {
		opt(h)
	}

	h.requestHandlers["poll"] = builtin("poll", func(args []any) (any, error) {
		return "ok", nil
	})
	h.requestHandlers["specs"] = builtin("specs", h.onSpecsRequest)
	h.requestHandlers["shutdown"] = builtin("shutdown", func(args []any) (any, error) {
		h.Shutdown()
		return nil, nil
	})
	h.notificationHandlers["nvim_error_event"] = builtin("nvim_error_event", h.onErrorEvent)

	return h
}

func builtin(name string, fn HandlerFunc) *Handler {
	return &Handler{Kind: KindRPC, Name: name, Sync: true, method: name, fn: fn}
}

// Register adds a plugin's handlers to the dispatch tables. A
// duplicate (kind, method) key is a configuration error and fails the
// whole registration before any handler of this plugin is installed.
func (h *Host) Register(p *Plugin) error {
	for _, hd := range p.handlers {
		table := h.notificationHandlers
		if hd.Sync {
			table = h.requestHandlers
		}
		if _, dup := table[hd.method]; dup {
			return fmt.Errorf("plugin: handler for %q is already registered", hd.method)
		}
	}
	for _, hd := range p.handlers {
		if hd.Sync {
			h.requestHandlers[hd.method] = hd
		} else {
			h.notificationHandlers[hd.method] = hd
		}
		if hd.Kind == KindAutocmd {
			h.autocmds = append(h.autocmds, hd)
		}
	}
	h.plugins = append(h.plugins, p)
	if specs := p.Specs(); len(specs) > 0 {
		h.specs[p.Path()] = specs
	}
	return nil
}

// Definition produces a plugin declaration. Load uses it so a failing
// declaration can be recorded instead of aborting the host.
type Definition func() (*Plugin, error)

// Load builds and registers a plugin definition. Failures are recorded
// against path and replayed in UnknownMethod errors for methods under
// that path, mirroring how the editor surfaces broken plugins.
func (h *Host) Load(path string, def Definition) error {
	p, err := def()
	if err == nil && p == nil {
		err = fmt.Errorf("plugin: definition for %q returned nothing", path)
	}
	if err == nil {
		if p.Path() != path {
			err = fmt.Errorf("plugin: definition for %q declares path %q", path, p.Path())
		} else {
			err = h.Register(p)
		}
	}
	if err != nil {
		h.log.Error("failed to load plugin", "path", path, "err", err)
		h.loadErrors[path] = err.Error()
		return err
	}
	return nil
}

// Run announces the host to the editor and serves requests and
// notifications until the session ends.
func (h *Host) Run() error {
	return h.session.Run(h.onRequest, h.onNotification, func() error {
		h.announce()
		return nil
	})
}

// Shutdown unloads all plugins and stops the session loop.
func (h *Host) Shutdown() {
	h.unload()
	h.session.Stop()
}

func (h *Host) announce() {
	methods := map[string]any{
		"poll":     map[string]any{},
		"specs":    map[string]any{"nargs": 1},
		"shutdown": map[string]any{},
	}
	attrs := map[string]any{"instance_id": uuid.NewString()}
	version := map[string]any{"major": 0, "minor": 5, "patch": 0}
	if err := h.session.Notify("nvim_set_client_info", h.name, version, "host", methods, attrs); err != nil {
		h.log.Warn("failed to announce client info", "err", err)
	}
}

func (h *Host) unload() {
	for _, p := range h.plugins {
		for _, hook := range p.shutdown {
			h.runHook(p, hook)
		}
		for _, hd := range p.handlers {
			if hd.Sync {
				delete(h.requestHandlers, hd.method)
			} else {
				delete(h.notificationHandlers, hd.method)
			}
		}
	}
	h.plugins = nil
	h.autocmds = nil
	h.specs = make(map[string][]Spec)
	h.groups = make(map[*Plugin]*groupState)
	h.loadErrors = make(map[string]string)
}

func (h *Host) runHook(p *Plugin, hook func()) {
	defer func() {
		if r := recover(); r != nil {
			h.log.Error("panic in shutdown hook", "path", p.Path(), "panic", r)
		}
	}()
	hook()
}

// onRequest handles one inbound request. Request handlers are
// synchronous by construction: the peer is blocked on the return
// value, so the blocking depth is raised for the duration and deferred
// async handlers are drained when it returns to zero.
func (h *Host) onRequest(name string, args []any) (any, error) {
	hd, ok := h.requestHandlers[name]
	if !ok {
		msg := h.missingHandlerError(name, "request")
		h.log.Error(msg)
		return nil, &rpc.ErrorResponse{Message: msg}
	}

	h.blockDepth++
	defer func() {
		h.blockDepth--
		if h.blockDepth == 0 {
			h.drainDeferred()
		}
	}()

	result, err := h.invoke(hd, args)
	if err != nil {
		var er *rpc.ErrorResponse
		if errors.As(err, &er) {
			// Handler chose its own error payload; send it verbatim.
			return nil, er
		}
		return nil, &rpc.ErrorResponse{
			Message: fmt.Sprintf("error caught in request handler %q: %v", name, err),
		}
	}
	return result, nil
}

// onNotification handles one inbound notification. Async handlers run
// immediately unless a synchronous handler is in progress, in which
// case non-nested handlers are deferred in arrival order.
func (h *Host) onNotification(name string, args []any) {
	hd, ok := h.notificationHandlers[name]
	if !ok {
		if h.fanOutAutocmd(name, args) {
			return
		}
		msg := h.missingHandlerError(name, "notification")
		h.log.Error(msg)
		h.asyncError(msg + "\n")
		return
	}
	if h.blockDepth > 0 && !hd.AllowNested {
		h.deferred = append(h.deferred, deferredCall{h: hd, args: args})
		return
	}
	h.runAsync(hd, args)
}

func (h *Host) drainDeferred() {
	// An async handler may itself enter a blocking region (it can
	// issue nested requests that dispatch further messages), so
	// re-check the depth between calls; anything still deferred is
	// drained when that region exits.
	for h.blockDepth == 0 && len(h.deferred) > 0 {
		d := h.deferred[0]
		h.deferred = h.deferred[1:]
		h.runAsync(d.h, d.args)
	}
}

func (h *Host) runAsync(hd *Handler, args []any) {
	if _, err := h.invoke(hd, args); err != nil {
		msg := fmt.Sprintf("error caught in async handler %q: %v", hd.method, err)
		h.log.Error(msg)
		h.asyncError(msg + "\n")
	}
}

// fanOutAutocmd handles editor-fired events of the form
// "autocmd:<Event>" where the first argument is the event subject
// (usually a file name). Every registered autocmd handler for the
// event whose pattern matches the subject is invoked, in registration
// order. Reports whether the name had autocmd form.
func (h *Host) fanOutAutocmd(name string, args []any) bool {
	event, ok := strings.CutPrefix(name, "autocmd:")
	if !ok || event == "" || strings.Contains(event, ":") {
		return false
	}
	subject := ""
	if len(args) > 0 {
		subject, _ = args[0].(string)
	}
	for _, hd := range h.autocmds {
		if hd.Name != event || !matchPattern(hd.Pattern, subject) {
			continue
		}
		if hd.Sync {
			// Sync autocmds are invoked by their exact key as
			// requests; an event broadcast only runs async ones.
			continue
		}
		if h.blockDepth > 0 && !hd.AllowNested {
			h.deferred = append(h.deferred, deferredCall{h: hd, args: args})
			continue
		}
		h.runAsync(hd, args)
	}
	return true
}

// invoke runs a handler, initializing its plugin first if needed.
// Panics become errors so one broken handler never kills the loop.
func (h *Host) invoke(hd *Handler, args []any) (result any, err error) {
	if err := h.ensureInitialized(hd.plugin); err != nil {
		return nil, err
	}
	defer func() {
		if r := recover(); r != nil {
			h.log.ErrorContext(h.handlerContext(hd), "panic in handler", "panic", r)
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return hd.fn(args)
}

// handlerContext decorates log records produced while a handler runs.
func (h *Host) handlerContext(hd *Handler) context.Context {
	data := &logctx.PluginData{Handler: hd.method}
	if hd.plugin != nil {
		data.Path = hd.plugin.Path()
	}
	return logctx.WithPluginData(context.Background(), data)
}

// ensureInitialized runs the plugin's initializer on first dispatch.
// An initializer failure is terminal for the plugin: it is logged once
// and the same error fails every later dispatch without the
// initializer running again.
func (h *Host) ensureInitialized(p *Plugin) error {
	if p == nil || p.init == nil {
		return nil
	}
	g := h.groups[p]
	if g == nil {
		g = &groupState{}
		h.groups[p] = g
	}
	if g.initialized {
		return g.err
	}
	g.initialized = true
	g.err = h.runInit(p)
	if g.err != nil {
		h.log.Error("plugin initialization failed; all handlers for this plugin are disabled",
			"path", p.Path(), "err", g.err)
		g.err = fmt.Errorf("plugin %q failed to initialize: %w", p.Path(), g.err)
	}
	return g.err
}

func (h *Host) runInit(p *Plugin) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return p.init(h.session)
}

var pathPrefixRe = regexp.MustCompile(`^(.+):[^:]+:[^:]+$`)

// missingHandlerError builds the UnknownMethod message, appending the
// recorded load error when the method belongs to a plugin that failed
// to load.
func (h *Host) missingHandlerError(name, kind string) string {
	msg := fmt.Sprintf("no %s handler registered for %q", kind, name)
	if m := pathPrefixRe.FindStringSubmatch(name); m != nil {
		if loadErr, ok := h.loadErrors[m[1]]; ok {
			msg = msg + "\n" + loadErr
		}
	}
	return msg
}

// asyncError reports a failure the peer is not waiting on: written to
// the editor's error stream, never propagated as a response.
func (h *Host) asyncError(msg string) {
	if err := h.session.Notify("nvim_err_write", msg); err != nil {
		h.log.Warn("failed to write async error to editor", "err", err)
	}
}

func (h *Host) onSpecsRequest(args []any) (any, error) {
	if len(args) < 1 {
		return nil, fmt.Errorf("specs: missing plugin path argument")
	}
	path, ok := args[0].(string)
	if !ok {
		return nil, fmt.Errorf("specs: plugin path must be a string")
	}
	if loadErr, ok := h.loadErrors[path]; ok {
		h.log.Warn("specs requested for plugin that failed to load", "path", path, "err", loadErr)
	}
	specs := h.specs[path]
	if specs == nil {
		specs = []Spec{}
	}
	return specs, nil
}

func (h *Host) onErrorEvent(args []any) (any, error) {
	// The editor reports an error caused by one of our async requests.
	var kind, msg any
	if len(args) > 0 {
		kind = args[0]
	}
	if len(args) > 1 {
		msg = args[1]
	}
	h.log.Error("editor reported async request error", "kind", kind, "msg", msg)
	h.asyncError(fmt.Sprintf("%s: async request caused an error: %v\n", h.name, msg))
	return nil, nil
}
