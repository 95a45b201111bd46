package plugin

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/nanoclaw/nanoclaw/pkg/nanoclaw/ipc"
)

func writeManifest(t *testing.T, dir, name, manifestJSON string) {
	t.Helper()
	pd := filepath.Join(dir, name)
	if err := os.MkdirAll(pd, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(pd, "plugin.json"), []byte(manifestJSON), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(pd, "index.ts"), []byte("// stub"), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestDiscoverFiltersByTargetAndSkipsInvalid(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "good-host", `{"name":"good-host","target":"host"}`)
	writeManifest(t, dir, "good-container", `{"name":"good-container","target":"container"}`)
	writeManifest(t, dir, "Bad_Name", `{"name":"Bad_Name"}`)
	if err := os.MkdirAll(filepath.Join(dir, "no-manifest"), 0o755); err != nil {
		t.Fatal(err)
	}

	var warnings int
	found, err := Discover([]string{dir}, TargetHost, func(string, error) { warnings++ })
	if err != nil {
		t.Fatal(err)
	}
	if len(found) != 1 || found[0].Name != "good-host" {
		t.Fatalf("expected only good-host, got %+v", found)
	}
	if warnings != 1 {
		t.Fatalf("expected 1 warning for invalid name, got %d", warnings)
	}
}

func TestResolvedEntryPathRejectsEscape(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "p", `{"name":"p","mainEntry":"../../../etc/passwd"}`)
	found, err := Discover([]string{dir}, TargetBoth, nil)
	if err != nil || len(found) != 1 {
		t.Fatalf("discover: %v %+v", err, found)
	}
	if _, err := found[0].ResolvedEntryPath(); err == nil {
		t.Fatal("expected path escape to be rejected")
	}
}

func TestTopoSortOrdersDependenciesFirst(t *testing.T) {
	manifests := []Manifest{
		{Name: "c", Dependencies: []string{"b"}},
		{Name: "b", Dependencies: []string{"a"}},
		{Name: "a"},
	}
	ordered, err := TopoSort(manifests)
	if err != nil {
		t.Fatal(err)
	}
	names := make([]string, len(ordered))
	for i, m := range ordered {
		names[i] = m.Name
	}
	if names[0] != "a" || names[1] != "b" || names[2] != "c" {
		t.Fatalf("unexpected order: %v", names)
	}
}

func TestTopoSortDetectsCycle(t *testing.T) {
	manifests := []Manifest{
		{Name: "x", Dependencies: []string{"y"}},
		{Name: "y", Dependencies: []string{"x"}},
	}
	if _, err := TopoSort(manifests); err == nil {
		t.Fatal("expected cycle error")
	}
}

type stubPlugin struct {
	inited, shutdown bool
	tools            []ToolSpec
}

func (s *stubPlugin) Init(context.Context, *Context) error { s.inited = true; return nil }
func (s *stubPlugin) Shutdown(context.Context) error { s.shutdown = true; return nil }
func (s *stubPlugin) Tools() []ToolSpec { return s.tools }
func (s *stubPlugin) Invoke(context.Context, string, map[string]any) (any, error) {
	return "ok", nil
}

func TestRegistryLoadAndUnload(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "echo", `{"name":"echo","capabilities":["ipc:write"]}`)

	inst := &stubPlugin{tools: []ToolSpec{{Name: "echo"}}}
	Register("echo", func() Plugin { return inst })

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := NewRegistry(log)
	svc := Services{
		IPC: func(string) IPCService { return nil },
	}
	if err := reg.LoadAll(context.Background(), []string{dir}, TargetBoth, svc); err != nil {
		t.Fatal(err)
	}
	if !inst.inited {
		t.Fatal("expected plugin to be initialized")
	}
	if _, ok := reg.Get("echo"); !ok {
		t.Fatal("expected echo to be loaded")
	}
	if len(reg.GetToolPlugins()) != 1 {
		t.Fatalf("expected 1 tool plugin, got %d", len(reg.GetToolPlugins()))
	}

	reg.UnloadAll(context.Background())
	if !inst.shutdown {
		t.Fatal("expected plugin to be shut down")
	}
	if _, ok := reg.Get("echo"); ok {
		t.Fatal("expected echo to be unloaded")
	}
}

func TestContextDeniesUndeclaredCapability(t *testing.T) {
	m := &Manifest{Name: "limited"}
	pctx := NewContext(m, nil, nil, nil)
	if _, err := pctx.IPC.Write(map[string]any{}); err == nil || !strings.Contains(err.Error(), CapIPCWrite) {
		t.Fatalf("expected denial naming %s, got %v", CapIPCWrite, err)
	}
	if _, err := pctx.IPC.Drain(nil); err == nil || !strings.Contains(err.Error(), CapIPCRead) {
		t.Fatalf("expected denial naming %s, got %v", CapIPCRead, err)
	}
	if _, err := pctx.Messages.Recent(context.Background(), "j", 1); err == nil {
		t.Fatal("expected capability denial for messages:read")
	}
	if _, err := pctx.Tasks.Schedule(context.Background(), "j", "p", "once", ""); err == nil {
		t.Fatal("expected capability denial for tasks:manage")
	}
}

func TestContextGrantsDeclaredIPCCapability(t *testing.T) {
	dir := t.TempDir()
	d, err := ipc.NewDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	m := &Manifest{Name: "writer", Capabilities: []string{CapIPCWrite}}
	pctx := NewContext(m, d, nil, nil)
	if _, err := pctx.IPC.Write(map[string]any{"type": "message"}); err != nil {
		t.Fatalf("expected write to be permitted: %v", err)
	}
	if _, err := pctx.IPC.Drain(nil); err == nil {
		t.Fatal("expected drain to be denied without ipc:read")
	}
}

type stubMessages struct{}

func (stubMessages) Send(context.Context, string, string) error { return nil }
func (stubMessages) Recent(context.Context, string, int) ([]string, error) {
	return []string{"hi"}, nil
}

// TestContextGrantsMessagesCapabilityPerOperation covers a bug where a
// plugin declaring only messages:read got a fully-live Messages service
// back, including Send — NewContext must gate Send and Recent
// independently, the same way gatedIPC gates Write and Drain.
func TestContextGrantsMessagesCapabilityPerOperation(t *testing.T) {
	m := &Manifest{Name: "reader", Capabilities: []string{CapMessagesRead}}
	pctx := NewContext(m, nil, stubMessages{}, nil)
	if _, err := pctx.Messages.Recent(context.Background(), "j", 1); err != nil {
		t.Fatalf("expected recent to be permitted: %v", err)
	}
	if err := pctx.Messages.Send(context.Background(), "j", "hi"); err == nil {
		t.Fatal("expected send to be denied without messages:write")
	}

	m2 := &Manifest{Name: "writer", Capabilities: []string{CapMessagesWrite}}
	pctx2 := NewContext(m2, nil, stubMessages{}, nil)
	if err := pctx2.Messages.Send(context.Background(), "j", "hi"); err != nil {
		t.Fatalf("expected send to be permitted: %v", err)
	}
	if _, err := pctx2.Messages.Recent(context.Background(), "j", 1); err == nil {
		t.Fatal("expected recent to be denied without messages:read")
	}
}
