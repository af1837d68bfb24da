// Package doctor runs environment and store health checks for the doctor
// subcommand.
package doctor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/basket/swarmstore/internal/config"
	"github.com/basket/swarmstore/internal/cron"
	"github.com/basket/swarmstore/internal/persistence"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // "PASS", "FAIL", "WARN", "SKIP"
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Run executes all diagnostic checks.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []func(context.Context, *config.Config) CheckResult{
		checkConfig,
		checkPermissions,
		checkDatabase,
		checkSchedule,
	}

	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}

	return d
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: "FAIL", Message: "Configuration not loaded"}
	}
	return CheckResult{
		Name:    "Config",
		Status:  "PASS",
		Message: fmt.Sprintf("Loaded from %s", cfg.HomeDir),
		Detail:  fmt.Sprintf("fingerprint %s", cfg.Fingerprint()),
	}
}

func checkPermissions(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: "SKIP", Message: "Config missing"}
	}
	testFile := filepath.Join(cfg.HomeDir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Permissions", Status: "FAIL", Message: fmt.Sprintf("Home dir unwritable: %v", err)}
	}
	os.Remove(testFile)
	return CheckResult{Name: "Permissions", Status: "PASS", Message: "Home directory writable"}
}

func checkDatabase(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Database", Status: "SKIP", Message: "Config missing"}
	}

	store, err := persistence.Open(cfg.DBPath, nil)
	if err != nil {
		if persistence.IsMigration(err) {
			return CheckResult{
				Name:    "Database",
				Status:  "FAIL",
				Message: fmt.Sprintf("Schema migration rejected: %v", err),
				Detail:  "The database was written by a newer release or its migration ledger was tampered with",
			}
		}
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Open failed: %v", err)}
	}
	defer store.Close()

	var journalMode string
	if err := store.DB().QueryRowContext(ctx, `PRAGMA journal_mode;`).Scan(&journalMode); err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Pragma query failed: %v", err)}
	}
	if journalMode != "wal" {
		return CheckResult{
			Name:    "Database",
			Status:  "WARN",
			Message: fmt.Sprintf("journal_mode is %q, expected wal", journalMode),
		}
	}

	var integrity string
	if err := store.DB().QueryRowContext(ctx, `PRAGMA quick_check;`).Scan(&integrity); err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Integrity check failed: %v", err)}
	}
	if integrity != "ok" {
		return CheckResult{Name: "Database", Status: "FAIL", Message: "Integrity check reported corruption", Detail: integrity}
	}

	stats := store.Stats()
	return CheckResult{
		Name:    "Database",
		Status:  "PASS",
		Message: fmt.Sprintf("Schema at version %d, WAL on, integrity ok", stats.ToVersion),
	}
}

func checkSchedule(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Retention", Status: "SKIP", Message: "Config missing"}
	}
	next, err := cron.NextRunTime(cfg.Retention.Schedule, time.Now())
	if err != nil {
		return CheckResult{
			Name:    "Retention",
			Status:  "FAIL",
			Message: fmt.Sprintf("Schedule %q does not parse: %v", cfg.Retention.Schedule, err),
		}
	}
	return CheckResult{
		Name:    "Retention",
		Status:  "PASS",
		Message: fmt.Sprintf("Next sweep at %s", next.Format(time.RFC3339)),
	}
}
