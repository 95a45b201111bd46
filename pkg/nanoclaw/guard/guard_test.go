package guard

import "testing"

// testConfig returns DefaultConfig with the audit log disabled so tests
// don't create files on disk.
func testConfig() Config {
	cfg := DefaultConfig()
	cfg.AuditLogPath = ""
	return cfg
}

func TestCheckBlocksDestructiveCommandForNonMain(t *testing.T) {
	g := New(testConfig(), nil)
	res := g.Check("bash", false, true, false, map[string]any{"command": "rm -rf /"})
	if res.Allowed {
		t.Fatal("expected destructive command to be blocked for non-main chat")
	}
}

func TestCheckAllowsDestructiveCommandForMainWithOverride(t *testing.T) {
	cfg := testConfig()
	cfg.AllowDestructive = true
	g := New(cfg, nil)
	res := g.Check("bash", true, true, false, map[string]any{"command": "rm -rf /tmp/x"})
	if !res.Allowed {
		t.Fatalf("expected main chat with allow_destructive to pass, got reason=%q", res.Reason)
	}
}

func TestCheckIgnoresNonShellToolsEvenIfDangerousLooking(t *testing.T) {
	g := New(testConfig(), nil)
	res := g.Check("read_file", false, false, false, map[string]any{"path": "rm -rf /"})
	if !res.Allowed {
		t.Fatal("non-shell-capable tool should not be checked for command safety")
	}
}

func TestCheckProtectsSensitivePathForNonMain(t *testing.T) {
	g := New(testConfig(), nil)
	res := g.Check("write_file", false, false, true, map[string]any{"path": "/etc/shadow"})
	if res.Allowed {
		t.Fatal("expected protected path write to be blocked for non-main chat")
	}
}

func TestCheckAllowsSensitivePathForMain(t *testing.T) {
	g := New(testConfig(), nil)
	res := g.Check("write_file", true, false, true, map[string]any{"path": "/etc/shadow"})
	if !res.Allowed {
		t.Fatal("main chat should bypass path protection")
	}
}

func TestCheckAutoApproveBypassesEverything(t *testing.T) {
	cfg := testConfig()
	cfg.AutoApprove = []string{"bash"}
	g := New(cfg, nil)
	res := g.Check("bash", false, true, false, map[string]any{"command": "rm -rf /"})
	if !res.Allowed {
		t.Fatal("auto-approved tool should bypass safety checks")
	}
}

func TestCheckRequiresConfirmationFlag(t *testing.T) {
	cfg := testConfig()
	cfg.RequireConfirmation = []string{"bash"}
	g := New(cfg, nil)
	res := g.Check("bash", true, true, false, map[string]any{"command": "echo hi"})
	if !res.Allowed || !res.RequiresConfirmation {
		t.Fatal("expected allowed with confirmation required")
	}
}

func TestDisabledGuardAllowsEverything(t *testing.T) {
	cfg := testConfig()
	cfg.Enabled = false
	g := New(cfg, nil)
	res := g.Check("bash", false, true, false, map[string]any{"command": "rm -rf /"})
	if !res.Allowed {
		t.Fatal("disabled guard should allow everything")
	}
}
