package plugin

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Load/unload timeouts, per spec.md §4.2.
const (
	LoadTimeout   = 30 * time.Second
	UnloadTimeout = 10 * time.Second
)

// ToolSpec describes a single tool a plugin exposes to the dispatcher (C6).
type ToolSpec struct {
	Name        string
	Description string
	InputSchema map[string]any
}

// Plugin is what a constructor in the static registry must return. It
// replaces the teacher's dynamically-imported module object: construction
// happens in-process against a known Go type instead of loading a file.
type Plugin interface {
	// Init runs once after construction, before the plugin is considered
	// loaded. It may register bus listeners, open connections, etc.
	Init(ctx context.Context, pctx *Context) error
	// Shutdown runs once when the plugin is unloaded.
	Shutdown(ctx context.Context) error
	// Tools returns the tool specs this plugin contributes to the
	// dispatcher; nil for plugins that expose no tools.
	Tools() []ToolSpec
	// Invoke executes a named tool call and returns its JSON-serializable
	// result.
	Invoke(ctx context.Context, toolName string, args map[string]any) (any, error)
}

// Constructor builds a fresh Plugin instance for a manifest. Plugins
// register themselves at package-init time via Register, forming the
// static, pre-linked registry called for in spec.md §9's Design Notes
// (replacing the teacher's dynamic module-path import).
type Constructor func() Plugin

var (
	constructorsMu sync.Mutex
	constructors   = map[string]Constructor{}
)

// Register associates a plugin name with its constructor. Called from an
// init() in the package implementing that plugin.
func Register(name string, ctor Constructor) {
	constructorsMu.Lock()
	defer constructorsMu.Unlock()
	constructors[name] = ctor
}

func lookupConstructor(name string) (Constructor, bool) {
	constructorsMu.Lock()
	defer constructorsMu.Unlock()
	ctor, ok := constructors[name]
	return ctor, ok
}

// loaded bundles a live plugin instance with the manifest it was built
// from.
type loaded struct {
	manifest Manifest
	instance Plugin
	pctx     *Context
}

// Registry owns the lifecycle of every loaded plugin: discovery,
// dependency-ordered loading, capability-gated context construction, and
// unloading. Mirrors the role of the teacher's skill loader, generalized
// from a single flat list into a dependency-ordered graph.
type Registry struct {
	log *slog.Logger

	mu     sync.RWMutex
	byName map[string]*loaded
	order  []string // load order, for symmetric unload
}

// NewRegistry constructs an empty Registry.
func NewRegistry(log *slog.Logger) *Registry {
	return &Registry{log: log, byName: map[string]*loaded{}}
}

// LoadAll discovers manifests under dirs, topologically sorts them, and
// loads each in order, wiring a capability-gated Context per plugin. A
// plugin whose constructor isn't registered, or whose Init fails or times
// out, is skipped with a logged warning; it does not abort loading the
// rest.
func (r *Registry) LoadAll(ctx context.Context, dirs []string, runtime string, svc Services) error {
	manifests, err := Discover(dirs, runtime, func(dir string, err error) {
		r.log.Warn("plugin: skipping invalid manifest", "dir", dir, "error", err)
	})
	if err != nil {
		return fmt.Errorf("plugin: discovery: %w", err)
	}

	ordered, err := TopoSort(manifests)
	if err != nil {
		return fmt.Errorf("plugin: ordering: %w", err)
	}

	for _, m := range ordered {
		if err := r.loadOne(ctx, m, svc); err != nil {
			r.log.Warn("plugin: failed to load, skipping", "plugin", m.Name, "error", err)
		}
	}
	return nil
}

// Services bundles the backing implementations a Context is built from.
type Services struct {
	IPC      func(pluginName string) IPCService
	Messages MessagesService
	Tasks    TasksService
}

func (r *Registry) loadOne(ctx context.Context, m Manifest, svc Services) error {
	ctor, ok := lookupConstructor(m.Name)
	if !ok {
		return fmt.Errorf("no registered constructor for plugin %q", m.Name)
	}

	instance := ctor()
	pctx := NewContext(&m, svc.IPC(m.Name), svc.Messages, svc.Tasks)

	loadCtx, cancel := context.WithTimeout(ctx, LoadTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- instance.Init(loadCtx, pctx) }()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("init: %w", err)
		}
	case <-loadCtx.Done():
		return fmt.Errorf("init timed out after %s", LoadTimeout)
	}

	r.mu.Lock()
	r.byName[m.Name] = &loaded{manifest: m, instance: instance, pctx: pctx}
	r.order = append(r.order, m.Name)
	r.mu.Unlock()

	r.log.Info("plugin loaded", "plugin", m.Name, "version", m.Version, "capabilities", m.Capabilities)
	return nil
}

// Unload shuts down a single plugin by name and removes it from the
// registry.
func (r *Registry) Unload(ctx context.Context, name string) error {
	r.mu.Lock()
	l, ok := r.byName[name]
	if ok {
		delete(r.byName, name)
		for i, n := range r.order {
			if n == name {
				r.order = append(r.order[:i], r.order[i+1:]...)
				break
			}
		}
	}
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("plugin: %q not loaded", name)
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, UnloadTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- l.instance.Shutdown(shutdownCtx) }()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("plugin: %q shutdown: %w", name, err)
		}
	case <-shutdownCtx.Done():
		return fmt.Errorf("plugin: %q shutdown timed out after %s", name, UnloadTimeout)
	}
	return nil
}

// UnloadAll unwinds every loaded plugin in reverse load order.
func (r *Registry) UnloadAll(ctx context.Context) {
	r.mu.RLock()
	names := append([]string{}, r.order...)
	r.mu.RUnlock()

	for i := len(names) - 1; i >= 0; i-- {
		if err := r.Unload(ctx, names[i]); err != nil {
			r.log.Warn("plugin: error during unload", "plugin", names[i], "error", err)
		}
	}
}

// Get returns the loaded plugin instance by name.
func (r *Registry) Get(name string) (Plugin, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	l, ok := r.byName[name]
	if !ok {
		return nil, false
	}
	return l.instance, true
}

// ContextFor returns the capability-gated Context a plugin was loaded
// with, so a dispatcher can extend it into a per-invocation ToolContext
// (spec.md §3).
func (r *Registry) ContextFor(name string) (*Context, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	l, ok := r.byName[name]
	if !ok {
		return nil, false
	}
	return l.pctx, true
}

// ManifestFor returns the manifest a plugin was loaded with, so a
// dispatcher can consult its declared capabilities without re-deriving
// them from the gated Context.
func (r *Registry) ManifestFor(name string) (Manifest, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	l, ok := r.byName[name]
	if !ok {
		return Manifest{}, false
	}
	return l.manifest, true
}

// GetAll returns every loaded plugin's manifest, in load order.
func (r *Registry) GetAll() []Manifest {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Manifest, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.byName[name].manifest)
	}
	return out
}

// GetToolPlugins returns every loaded plugin that contributes at least one
// tool, for wiring into the Tool Dispatcher (C6).
func (r *Registry) GetToolPlugins() map[string]Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := map[string]Plugin{}
	for name, l := range r.byName {
		if len(l.instance.Tools()) > 0 {
			out[name] = l.instance
		}
	}
	return out
}
