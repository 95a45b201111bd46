package commands

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/nanoclaw/nanoclaw/pkg/nanoclaw/plugin"
	"github.com/nanoclaw/nanoclaw/pkg/nanoclaw/secret"
	"github.com/nanoclaw/nanoclaw/pkg/nanoclaw/store"
)

// staleSessionAge is how long a session can go untouched before doctor
// flags it; sessions older than this are likely dead chats, not a reason to
// fail the check on their own.
const staleSessionAge = 72 * time.Hour

// newDoctorCmd creates the `nanoclawd doctor` command, grounded on the
// teacher's `devclaw health` (cmd/devclaw/commands/health.go) but expanded
// from a bare liveness probe into a handful of concrete preflight checks,
// since nanoclawd has more moving parts (a configured agent binary, an OS
// keyring, a writable data directory) than the teacher's daemon did.
func newDoctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Run preflight checks against the current configuration",
		RunE:  runDoctor,
	}
}

func runDoctor(cmd *cobra.Command, _ []string) error {
	cfg, path, err := loadConfig(cmd)
	if err != nil {
		fmt.Printf("[!!] config: %v\n", err)
		return nil
	}
	fmt.Printf("[OK] config: loaded from %s\n", path)

	if info, err := os.Stat(cfg.DataDir); err == nil && info.IsDir() {
		fmt.Printf("[OK] data directory: %s\n", cfg.DataDir)
	} else {
		fmt.Printf("[--] data directory: %s does not exist yet (created on first 'serve')\n", cfg.DataDir)
	}

	if _, err := exec.LookPath(cfg.Agent.Command); err != nil {
		fmt.Printf("[!!] agent command: %q not found on PATH\n", cfg.Agent.Command)
	} else {
		fmt.Printf("[OK] agent command: %q resolves on PATH\n", cfg.Agent.Command)
	}

	if secret.Available() {
		fmt.Println("[OK] OS keyring: available")
	} else {
		fmt.Println("[--] OS keyring: unavailable (falling back to env/config for secrets)")
	}

	if cfg.Agent.Provider != "" && cfg.ResolveProviderAPIKey() == "" {
		fmt.Printf("[!!] provider API key: none resolved for provider %q\n", cfg.Agent.Provider)
	} else {
		fmt.Println("[OK] provider API key: resolved")
	}

	if cfg.Channels.Discord.Enabled && cfg.ResolveDiscordToken() == "" {
		fmt.Println("[!!] discord: enabled but no token resolved")
	}

	reportPlugins(cfg.Plugins.Dirs)
	reportStoreHealth(cfg.DataDir)

	fmt.Println("\ndoctor finished.")
	return nil
}

// reportPlugins dry-runs manifest discovery against both runtime targets
// without instantiating anything, surfacing the same manifest errors LoadAll
// would otherwise only log once buried in the daemon's own startup.
func reportPlugins(dirs []string) {
	var failures []string
	onWarn := func(dir string, err error) {
		failures = append(failures, fmt.Sprintf("%s: %v", dir, err))
	}

	hostManifests, _ := plugin.Discover(dirs, plugin.TargetHost, onWarn)
	containerManifests, _ := plugin.Discover(dirs, plugin.TargetContainer, onWarn)

	total := len(hostManifests) + len(containerManifests)
	if len(failures) == 0 {
		fmt.Printf("[OK] plugins: %d manifest(s) discovered, no load failures\n", total)
		return
	}
	fmt.Printf("[!!] plugins: %d manifest(s) discovered, %d failed to load:\n", total, len(failures))
	for _, f := range failures {
		fmt.Printf("     - %s\n", f)
	}
}

// reportStoreHealth opens the database read-only-in-spirit (no writes are
// ever issued) to report stale sessions and paused/errored tasks. It never
// opens the store if the data directory hasn't been created yet, so running
// doctor before the first 'serve' never creates a database as a side effect.
func reportStoreHealth(dataDir string) {
	dbPath := filepath.Join(dataDir, "nanoclaw.db")
	if _, err := os.Stat(dbPath); err != nil {
		fmt.Println("[--] sessions/tasks: no database yet (created on first 'serve')")
		return
	}

	db, err := store.Open(dbPath)
	if err != nil {
		fmt.Printf("[!!] sessions/tasks: failed to open %s: %v\n", dbPath, err)
		return
	}
	defer db.Close()

	reportStaleSessions(db)
	reportTaskStatuses(db)
}

func reportStaleSessions(db *store.Store) {
	sessions, err := db.ListSessions()
	if err != nil {
		fmt.Printf("[!!] sessions: %v\n", err)
		return
	}

	var stale int
	cutoff := time.Now().Add(-staleSessionAge)
	for _, s := range sessions {
		if s.UpdatedAt.Before(cutoff) {
			stale++
		}
	}
	if stale == 0 {
		fmt.Printf("[OK] sessions: %d tracked, none stale (older than %s)\n", len(sessions), staleSessionAge)
		return
	}
	fmt.Printf("[--] sessions: %d tracked, %d stale (untouched for over %s)\n", len(sessions), stale, staleSessionAge)
}

func reportTaskStatuses(db *store.Store) {
	counts, err := db.CountTasksByStatus()
	if err != nil {
		fmt.Printf("[!!] tasks: %v\n", err)
		return
	}

	paused, errored := counts[store.StatusPaused], counts[store.StatusError]
	if paused == 0 && errored == 0 {
		fmt.Printf("[OK] tasks: %d active, none paused or errored\n", counts[store.StatusActive])
		return
	}
	fmt.Printf("[--] tasks: %d active, %d paused, %d errored\n", counts[store.StatusActive], paused, errored)
}
