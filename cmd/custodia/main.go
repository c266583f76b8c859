// Package main is the CLI entry point for Custodia, an on-device trust
// and evidentiary-integrity engine.
//
// Custodia keeps a hash-chained append-only ledger of security actions,
// a chain-of-custody evidence store, a zero-trust session and
// authorization engine, an adaptive audit trail with signed alerts, and
// compliance/incident reporting over all of it.
//
// Architecture overview:
//
//	CLI / host app
//	     |
//	     +-- zerotrust.Engine   - sessions, privileges, integrity checks
//	     +-- ledger.Ledger      - hash-chained action log (+ SQLite index)
//	     +-- evidence.Store     - custody-chained records, ledger-mirrored
//	     +-- audittrail.Trail   - rate limiting + Ed25519-signed alerts
//	     +-- protect.Manager    - HMAC-protected K/V over the secure store
//	     +-- forensic.System    - compliance + incident reports
//	     +-- monitor.Server     - loopback live feed (optional)
//
// CLI commands (cobra):
//
//	custodia ledger     - Verify/query/export the hash-chained ledger
//	custodia evidence   - Manage chain-of-custody evidence records
//	custodia session    - Create/inspect/end zero-trust sessions
//	custodia privilege  - Resolve the privilege an operation requires
//	custodia audit      - Export and verify signed audit alerts
//	custodia report     - Generate the combined compliance report
//	custodia incident   - Investigate an incident id
//	custodia lock       - Lock a user out (and unlock/list)
//	custodia policy     - Manage the authorization policy file
//	custodia monitor    - Serve the local live monitor
//	custodia config     - View/initialize the configuration
//	custodia info       - Show data protection status
package main

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/custodia/custodia/internal/audittrail"
	"github.com/custodia/custodia/internal/config"
	"github.com/custodia/custodia/internal/evidence"
	"github.com/custodia/custodia/internal/forensic"
	"github.com/custodia/custodia/internal/ledger"
	"github.com/custodia/custodia/internal/monitor"
	"github.com/custodia/custodia/internal/protect"
	"github.com/custodia/custodia/internal/securestore"
	"github.com/custodia/custodia/internal/zerotrust"
)

// Build-time variables injected via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123 -X main.buildDate=2026-08-01"
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

// defaultStateDir returns the path to ~/.custodia/ where all runtime
// state lives: config.yaml, policy.yaml, locked.yaml, the secure store,
// the ledger, the evidence directory, and the alert database.
func defaultStateDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".custodia"
	}
	return filepath.Join(home, ".custodia")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// ============================================================================
// Root command
// ============================================================================

// stateDir is the global flag for the Custodia state directory.
var stateDir string

var rootCmd = &cobra.Command{
	Use:   "custodia",
	Short: "Custodia — on-device trust and evidentiary-integrity engine",
	Long: `Custodia records security-relevant actions in a hash-chained ledger,
keeps evidence records with verifiable chains of custody, enforces
zero-trust sessions and privilege policies, rate-limits sensitive
access with signed alerts, and produces compliance and incident
reports over all of it.`,
	Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
}

func init() {
	rootCmd.PersistentFlags().StringVar(
		&stateDir,
		"state-dir",
		defaultStateDir(),
		"Path to Custodia state directory",
	)

	rootCmd.AddCommand(ledgerCmd)
	rootCmd.AddCommand(evidenceCmd)
	rootCmd.AddCommand(sessionCmd)
	rootCmd.AddCommand(privilegeCmd)
	rootCmd.AddCommand(auditCmd)
	rootCmd.AddCommand(reportCmd)
	rootCmd.AddCommand(incidentCmd)
	rootCmd.AddCommand(lockCmd)
	rootCmd.AddCommand(unlockCmd)
	rootCmd.AddCommand(lockedCmd)
	rootCmd.AddCommand(policyCmd)
	rootCmd.AddCommand(monitorCmd)
	rootCmd.AddCommand(configCmd)
}

// ============================================================================
// Shared wiring helpers
// ============================================================================

// ensureStateDir creates the state directory tree on first use.
func ensureStateDir() error {
	if err := os.MkdirAll(stateDir, 0o700); err != nil {
		return fmt.Errorf("creating state directory %s: %w", stateDir, err)
	}
	return nil
}

func openLedger() (*ledger.Ledger, error) {
	if err := ensureStateDir(); err != nil {
		return nil, err
	}
	return ledger.Open(filepath.Join(stateDir, "ledger"))
}

func openSecureStore() (*securestore.FileStore, error) {
	if err := ensureStateDir(); err != nil {
		return nil, err
	}
	return securestore.OpenFileStore(filepath.Join(stateDir, "store"))
}

func openEvidence(led *ledger.Ledger) (*evidence.Store, error) {
	return evidence.NewStore(filepath.Join(stateDir, "evidence"), led)
}

func openTrail(store securestore.Store, cfg *config.Config, opts ...audittrail.Option) (*audittrail.Trail, error) {
	return audittrail.New(store, filepath.Join(stateDir, "alerts.db"), audittrail.Config{
		Window:              time.Duration(cfg.Audit.WindowSeconds) * time.Second,
		MaxPerWindow:        cfg.Audit.MaxPerWindow,
		SuspiciousThreshold: cfg.Audit.SuspiciousThreshold,
	}, opts...)
}

func loadConfig() (*config.Config, error) {
	return config.Load(filepath.Join(stateDir, "config.yaml"))
}

// buildHash is the TOFU app integrity input: a digest over the build
// identity. A changed binary yields a changed hash, which the engine
// flags against the recorded baseline.
func buildHash() string {
	sum := sha256.Sum256([]byte(version + "|" + commit + "|" + buildDate))
	return hex.EncodeToString(sum[:])
}

// openEngine wires the zero-trust engine with its lockout list and the
// policy file, when one exists.
func openEngine(store securestore.Store) (*zerotrust.Engine, error) {
	lockout, err := zerotrust.NewLockout(filepath.Join(stateDir, "locked.yaml"))
	if err != nil {
		return nil, err
	}

	eng, err := zerotrust.New(store, buildHash, zerotrust.WithLockout(lockout))
	if err != nil {
		return nil, err
	}

	policyPath := filepath.Join(stateDir, "policy.yaml")
	if _, err := os.Stat(policyPath); err == nil {
		if err := eng.LoadPolicy(policyPath); err != nil {
			return nil, err
		}
	}
	return eng, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// ============================================================================
// custodia ledger - verify / query / export
// ============================================================================

var ledgerCmd = &cobra.Command{
	Use:   "ledger",
	Short: "Inspect the hash-chained ledger",
}

var ledgerVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify the full hash chain",
	RunE: func(cmd *cobra.Command, args []string) error {
		led, err := openLedger()
		if err != nil {
			return err
		}
		defer led.Close()

		if !led.VerifyChain() {
			fmt.Println("FAILED: ledger chain is broken")
			os.Exit(1)
		}
		fmt.Printf("OK: %d blocks, chain intact\n", led.Len())
		return nil
	},
}

var (
	ledgerAction   string
	ledgerContains string
	ledgerSince    string
	ledgerLimit    int
)

var ledgerQueryCmd = &cobra.Command{
	Use:   "query",
	Short: "Query ledger blocks",
	RunE: func(cmd *cobra.Command, args []string) error {
		led, err := openLedger()
		if err != nil {
			return err
		}
		defer led.Close()

		var since int64
		if ledgerSince != "" {
			t, err := time.Parse("2006-01-02", ledgerSince)
			if err != nil {
				return fmt.Errorf("invalid --since %q, want YYYY-MM-DD", ledgerSince)
			}
			since = t.UnixMilli()
		}

		blocks, err := led.Query(ledger.QueryParams{
			Action:   ledgerAction,
			Contains: ledgerContains,
			Since:    since,
			Limit:    ledgerLimit,
		})
		if err != nil {
			return err
		}
		return printJSON(blocks)
	},
}

var ledgerFormat string

var ledgerExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export the full chain (json, jsonl, csv)",
	RunE: func(cmd *cobra.Command, args []string) error {
		led, err := openLedger()
		if err != nil {
			return err
		}
		defer led.Close()
		return led.Export(os.Stdout, ledgerFormat)
	},
}

func init() {
	ledgerQueryCmd.Flags().StringVar(&ledgerAction, "action", "", "Filter by action (exact match)")
	ledgerQueryCmd.Flags().StringVar(&ledgerContains, "contains", "", "Substring filter on block data")
	ledgerQueryCmd.Flags().StringVar(&ledgerSince, "since", "", "Only blocks on or after this date (YYYY-MM-DD)")
	ledgerQueryCmd.Flags().IntVar(&ledgerLimit, "limit", 50, "Maximum blocks to return")
	ledgerExportCmd.Flags().StringVar(&ledgerFormat, "format", "json", "Export format: json, jsonl, csv")

	ledgerCmd.AddCommand(ledgerVerifyCmd)
	ledgerCmd.AddCommand(ledgerQueryCmd)
	ledgerCmd.AddCommand(ledgerExportCmd)
}

// ============================================================================
// custodia evidence - add / list / show / custody / verify
// ============================================================================

var evidenceCmd = &cobra.Command{
	Use:   "evidence",
	Short: "Manage chain-of-custody evidence records",
}

var (
	evidenceType      string
	evidenceDesc      string
	evidenceSource    string
	evidenceCollector string
)

var evidenceAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Record a new piece of evidence",
	RunE: func(cmd *cobra.Command, args []string) error {
		led, err := openLedger()
		if err != nil {
			return err
		}
		defer led.Close()

		store, err := openEvidence(led)
		if err != nil {
			return err
		}

		ev, err := store.Create(evidence.Type(evidenceType), evidenceDesc, evidenceSource, evidenceCollector)
		if err != nil {
			return err
		}
		fmt.Printf("Recorded %s (%s)\n", ev.ID, ev.Type)
		return nil
	},
}

var evidenceListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all evidence records",
	RunE: func(cmd *cobra.Command, args []string) error {
		led, err := openLedger()
		if err != nil {
			return err
		}
		defer led.Close()

		store, err := openEvidence(led)
		if err != nil {
			return err
		}

		for _, ev := range store.ListAll() {
			fmt.Printf("%s  %-20s  %s  %s\n", ev.ID, ev.Type, ev.CreationDate, ev.Description)
		}
		return nil
	},
}

var evidenceShowCmd = &cobra.Command{
	Use:   "show <evidence-id>",
	Short: "Show one evidence record with its custody chain",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		led, err := openLedger()
		if err != nil {
			return err
		}
		defer led.Close()

		store, err := openEvidence(led)
		if err != nil {
			return err
		}

		ev, err := store.Load(args[0])
		if err != nil {
			return err
		}
		if ev == nil {
			return fmt.Errorf("no evidence record %s", args[0])
		}
		return printJSON(ev)
	},
}

var (
	custodyAction string
	custodyActor  string
	custodyNotes  string
)

var evidenceCustodyCmd = &cobra.Command{
	Use:   "custody <evidence-id>",
	Short: "Append a custody record to a piece of evidence",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		led, err := openLedger()
		if err != nil {
			return err
		}
		defer led.Close()

		store, err := openEvidence(led)
		if err != nil {
			return err
		}

		if !store.AddCustodyRecord(args[0], custodyAction, custodyActor, custodyNotes) {
			return fmt.Errorf("custody append refused for %s (missing record or failed integrity check)", args[0])
		}
		fmt.Printf("Custody record %s appended to %s\n", custodyAction, args[0])
		return nil
	},
}

var evidenceVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify the fixed-point hash of every evidence record",
	RunE: func(cmd *cobra.Command, args []string) error {
		led, err := openLedger()
		if err != nil {
			return err
		}
		defer led.Close()

		store, err := openEvidence(led)
		if err != nil {
			return err
		}

		result := store.VerifyAll()
		for _, d := range result.Details {
			status := "OK"
			if !d.Valid {
				status = "TAMPERED"
			}
			fmt.Printf("%s  %s\n", d.EvidenceID, status)
		}
		if !result.AllValid {
			os.Exit(1)
		}
		return nil
	},
}

func init() {
	evidenceAddCmd.Flags().StringVar(&evidenceType, "type", string(evidence.TypeLogFile), "Evidence type (LOG_FILE, SCREENSHOT, SECURITY_EVENT, ...)")
	evidenceAddCmd.Flags().StringVar(&evidenceDesc, "desc", "", "Evidence description")
	evidenceAddCmd.Flags().StringVar(&evidenceSource, "source", "", "Where the evidence came from")
	evidenceAddCmd.Flags().StringVar(&evidenceCollector, "collector", "", "Who collected it")
	evidenceAddCmd.MarkFlagRequired("desc")
	evidenceAddCmd.MarkFlagRequired("source")
	evidenceAddCmd.MarkFlagRequired("collector")

	evidenceCustodyCmd.Flags().StringVar(&custodyAction, "action", "", "Custody action (TRANSFER, ANALYSIS, VERIFICATION, ...)")
	evidenceCustodyCmd.Flags().StringVar(&custodyActor, "actor", "", "Who performed the action")
	evidenceCustodyCmd.Flags().StringVar(&custodyNotes, "notes", "", "Free-form notes")
	evidenceCustodyCmd.MarkFlagRequired("action")
	evidenceCustodyCmd.MarkFlagRequired("actor")

	evidenceCmd.AddCommand(evidenceAddCmd)
	evidenceCmd.AddCommand(evidenceListCmd)
	evidenceCmd.AddCommand(evidenceShowCmd)
	evidenceCmd.AddCommand(evidenceCustodyCmd)
	evidenceCmd.AddCommand(evidenceVerifyCmd)
}

// ============================================================================
// custodia session - create / status / end
// ============================================================================

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Manage the zero-trust session",
	Long: `Manage the zero-trust session. Session tokens are split between the
secure store and process memory, so a session is only valid inside the
process that created it. Creating a session here records it and prints
the token; a long-lived host embedding the engine keeps it live.`,
}

var (
	sessionPrivileges []string
	sessionMinutes    int
)

var sessionCreateCmd = &cobra.Command{
	Use:   "create <user-id>",
	Short: "Create a session for a user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openSecureStore()
		if err != nil {
			return err
		}
		eng, err := openEngine(store)
		if err != nil {
			return err
		}

		token, err := eng.CreateSession(args[0], sessionPrivileges, time.Duration(sessionMinutes)*time.Minute)
		if err != nil {
			return err
		}
		fmt.Printf("Session created for %s (expires in %dm)\n", args[0], sessionMinutes)
		fmt.Printf("Token: %s\n", token)
		return nil
	},
}

var sessionStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current session state",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openSecureStore()
		if err != nil {
			return err
		}
		eng, err := openEngine(store)
		if err != nil {
			return err
		}

		fmt.Printf("User: %s\n", eng.CurrentUserID())
		fmt.Printf("Valid in this process: %v\n", eng.IsSessionValid())
		fmt.Printf("App integrity: %v\n", eng.VerifyAppIntegrity())
		fmt.Printf("Security events recorded: %d\n", eng.SecurityEventCount())
		return nil
	},
}

var sessionEndCmd = &cobra.Command{
	Use:   "end",
	Short: "End the current session",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openSecureStore()
		if err != nil {
			return err
		}
		eng, err := openEngine(store)
		if err != nil {
			return err
		}

		eng.EndSession()
		fmt.Println("Session ended")
		return nil
	},
}

func init() {
	sessionCreateCmd.Flags().StringSliceVar(&sessionPrivileges, "privileges", []string{zerotrust.BasicPrivilege}, "Privileges granted to the session")
	sessionCreateCmd.Flags().IntVar(&sessionMinutes, "duration", 30, "Session duration in minutes")

	sessionCmd.AddCommand(sessionCreateCmd)
	sessionCmd.AddCommand(sessionStatusCmd)
	sessionCmd.AddCommand(sessionEndCmd)
}

// ============================================================================
// custodia privilege - resolve required privilege for an operation
// ============================================================================

var privilegeCmd = &cobra.Command{
	Use:   "privilege <operation> <context>",
	Short: "Show the privilege an operation requires in a context",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openSecureStore()
		if err != nil {
			return err
		}
		eng, err := openEngine(store)
		if err != nil {
			return err
		}

		fmt.Println(eng.GetRequiredPrivilege(args[0], args[1]))
		return nil
	},
}

// ============================================================================
// custodia audit - export / verify signed alerts
// ============================================================================

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Export and verify signed audit alerts",
}

var auditExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Print every signed alert payload",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openSecureStore()
		if err != nil {
			return err
		}
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		trail, err := openTrail(store, cfg)
		if err != nil {
			return err
		}
		defer trail.Close()

		logs, err := trail.ExportAuditLogs()
		if err != nil {
			return err
		}
		for _, l := range logs {
			fmt.Println(l)
		}
		return nil
	},
}

var auditVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify every stored alert signature",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openSecureStore()
		if err != nil {
			return err
		}
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		trail, err := openTrail(store, cfg)
		if err != nil {
			return err
		}
		defer trail.Close()

		logs, err := trail.ExportAuditLogs()
		if err != nil {
			return err
		}

		bad := 0
		for i, l := range logs {
			if !trail.VerifySignedLog(l) {
				bad++
				fmt.Printf("alert %d: signature INVALID\n", i)
			}
		}
		if bad > 0 {
			fmt.Printf("FAILED: %d of %d alerts failed verification\n", bad, len(logs))
			os.Exit(1)
		}
		fmt.Printf("OK: %d alerts, all signatures valid\n", len(logs))
		return nil
	},
}

func init() {
	auditCmd.AddCommand(auditExportCmd)
	auditCmd.AddCommand(auditVerifyCmd)
}

// ============================================================================
// custodia report / incident - forensic reporting
// ============================================================================

func openForensic() (*forensic.System, *ledger.Ledger, error) {
	led, err := openLedger()
	if err != nil {
		return nil, nil, err
	}
	store, err := openEvidence(led)
	if err != nil {
		led.Close()
		return nil, nil, err
	}
	return forensic.NewSystem(store, led), led, nil
}

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Generate the combined GDPR/CCPA compliance report",
	RunE: func(cmd *cobra.Command, args []string) error {
		sys, led, err := openForensic()
		if err != nil {
			return err
		}
		defer led.Close()
		return printJSON(sys.GenerateComplianceReport())
	},
}

var incidentCmd = &cobra.Command{
	Use:   "incident <incident-id>",
	Short: "Investigate an incident id across evidence and ledger",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sys, led, err := openForensic()
		if err != nil {
			return err
		}
		defer led.Close()
		return printJSON(sys.InvestigateIncident(args[0]))
	},
}

// ============================================================================
// custodia lock / unlock / locked - user lockout
// ============================================================================

var lockReason string

var lockCmd = &cobra.Command{
	Use:   "lock <user-id>",
	Short: "Lock a user out of all authorization",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := ensureStateDir(); err != nil {
			return err
		}
		lockout, err := zerotrust.NewLockout(filepath.Join(stateDir, "locked.yaml"))
		if err != nil {
			return err
		}
		if err := lockout.Lock(args[0], lockReason, "cli"); err != nil {
			return err
		}
		fmt.Printf("User %s locked\n", args[0])
		return nil
	},
}

var unlockCmd = &cobra.Command{
	Use:   "unlock <user-id>",
	Short: "Remove a user's lockout",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := ensureStateDir(); err != nil {
			return err
		}
		lockout, err := zerotrust.NewLockout(filepath.Join(stateDir, "locked.yaml"))
		if err != nil {
			return err
		}
		if err := lockout.Unlock(args[0]); err != nil {
			return err
		}
		fmt.Printf("User %s unlocked\n", args[0])
		return nil
	},
}

var lockedCmd = &cobra.Command{
	Use:   "locked",
	Short: "List locked users",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := ensureStateDir(); err != nil {
			return err
		}
		lockout, err := zerotrust.NewLockout(filepath.Join(stateDir, "locked.yaml"))
		if err != nil {
			return err
		}
		for _, e := range lockout.Entries() {
			fmt.Printf("%s  locked %s by %s: %s\n",
				e.User, e.LockedAt.Format("2006-01-02 15:04:05"), e.LockedBy, e.Reason)
		}
		return nil
	},
}

func init() {
	lockCmd.Flags().StringVar(&lockReason, "reason", "manual lockout", "Why the user is being locked")
}

// ============================================================================
// custodia policy - manage the authorization policy file
// ============================================================================

var policyCmd = &cobra.Command{
	Use:   "policy",
	Short: "Manage the authorization policy",
}

var policyInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a commented default policy.yaml",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := ensureStateDir(); err != nil {
			return err
		}
		path := filepath.Join(stateDir, "policy.yaml")
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists", path)
		}
		if err := zerotrust.WriteDefaultPolicy(path); err != nil {
			return err
		}
		fmt.Printf("Wrote %s\n", path)
		return nil
	},
}

var policyShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the current policy file",
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(filepath.Join(stateDir, "policy.yaml"))
		if err != nil {
			if os.IsNotExist(err) {
				fmt.Println("No policy file; built-in rules only")
				return nil
			}
			return err
		}
		fmt.Print(string(data))
		return nil
	},
}

func init() {
	policyCmd.AddCommand(policyInitCmd)
	policyCmd.AddCommand(policyShowCmd)
}

// ============================================================================
// custodia monitor - serve the local live monitor
// ============================================================================

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Serve the local live monitor until interrupted",
	Long: `Serve the loopback monitor endpoint: a status page, a WebSocket feed
of ledger appends and audit alerts, and a read-only REST API. Policy
and lockout files are hot-reloaded while the monitor runs.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		store, err := openSecureStore()
		if err != nil {
			return err
		}
		led, err := openLedger()
		if err != nil {
			return err
		}
		defer led.Close()

		evStore, err := openEvidence(led)
		if err != nil {
			return err
		}

		lockout, err := zerotrust.NewLockout(filepath.Join(stateDir, "locked.yaml"))
		if err != nil {
			return err
		}
		eng, err := zerotrust.New(store, buildHash, zerotrust.WithLockout(lockout))
		if err != nil {
			return err
		}
		policyPath := filepath.Join(stateDir, "policy.yaml")
		if _, err := os.Stat(policyPath); err == nil {
			if err := eng.LoadPolicy(policyPath); err != nil {
				return err
			}
		}

		var srv *monitor.Server
		trail, err := openTrail(store, cfg, audittrail.WithNotify(func(title, payload string) {
			srv.Publish("alert", map[string]string{"title": title, "payload": payload})
		}))
		if err != nil {
			return err
		}
		defer trail.Close()

		srv = monitor.New(monitor.Options{
			Ledger:   led,
			Evidence: evStore,
			Trail:    trail,
		})

		// Feed ledger appends into the live feed.
		led.SetNotify(func(b ledger.Block) { srv.Publish("ledger", b) })

		// Hot reload for CLI-written state files.
		watcher, err := config.NewWatcher(stateDir, config.WatchTargets{
			OnPolicyChange: func() {
				if err := eng.LoadPolicy(policyPath); err != nil {
					fmt.Fprintf(os.Stderr, "policy reload failed: %v\n", err)
				}
			},
			OnLockoutChange: func() {
				if err := lockout.Reload(); err != nil {
					fmt.Fprintf(os.Stderr, "lockout reload failed: %v\n", err)
				}
			},
		})
		if err != nil {
			return err
		}
		defer watcher.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		host, port := cfg.Monitor.Host, cfg.Monitor.Port
		fmt.Printf("Monitor on http://%s:%d/monitor (Ctrl-C to stop)\n", host, port)
		return srv.Run(ctx, host, port)
	},
}

// ============================================================================
// custodia config - init / show
// ============================================================================

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "View or initialize the configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a commented default config.yaml",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := ensureStateDir(); err != nil {
			return err
		}
		path := filepath.Join(stateDir, "config.yaml")
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists", path)
		}
		if err := config.WriteDefault(path); err != nil {
			return err
		}
		fmt.Printf("Wrote %s\n", path)
		return nil
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return printJSON(cfg)
	},
}

func init() {
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)
}

// ============================================================================
// Data protection helpers exposed for host embedding
// ============================================================================

// newProtectManager builds the protection manager the way a host app
// embedding Custodia would. Exercised by the info command below.
func newProtectManager(store securestore.Store, trail *audittrail.Trail, cfg *config.Config) *protect.Manager {
	return protect.New(store, trail,
		protect.WithRotationInterval(time.Duration(cfg.Protection.KeyRotationDays)*24*time.Hour))
}

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Show data protection status",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openSecureStore()
		if err != nil {
			return err
		}
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		trail, err := openTrail(store, cfg)
		if err != nil {
			return err
		}
		defer trail.Close()

		mgr := newProtectManager(store, trail, cfg)
		if _, err := mgr.RotateKey(); err != nil {
			return err
		}

		info := mgr.Info()
		for _, k := range []string{"Encriptación", "Almacenamiento", "Logs de acceso", "Última rotación", "Estado de seguridad"} {
			fmt.Printf("%-22s %s\n", k+":", info[k])
		}
		fmt.Printf("%-22s %s\n", "Usuario:", mgr.Anonymize(mgr.UserID()))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(infoCmd)
}
