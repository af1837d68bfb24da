package doctor_test

import (
	"context"
	"testing"

	"github.com/basket/swarmstore/internal/config"
	"github.com/basket/swarmstore/internal/doctor"
)

func resultByName(t *testing.T, d doctor.Diagnosis, name string) doctor.CheckResult {
	t.Helper()
	for _, r := range d.Results {
		if r.Name == name {
			return r
		}
	}
	t.Fatalf("no %q check in diagnosis", name)
	return doctor.CheckResult{}
}

func TestRunHealthyStore(t *testing.T) {
	t.Setenv("SWARMSTORE_HOME", t.TempDir())
	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	diag := doctor.Run(context.Background(), &cfg, "test")

	for _, name := range []string{"Config", "Permissions", "Database", "Retention"} {
		if r := resultByName(t, diag, name); r.Status != "PASS" {
			t.Errorf("%s = %s (%s), want PASS", name, r.Status, r.Message)
		}
	}
}

func TestRunNilConfig(t *testing.T) {
	diag := doctor.Run(context.Background(), nil, "test")

	if r := resultByName(t, diag, "Config"); r.Status != "FAIL" {
		t.Errorf("Config = %s, want FAIL", r.Status)
	}
	if r := resultByName(t, diag, "Database"); r.Status != "SKIP" {
		t.Errorf("Database = %s, want SKIP", r.Status)
	}
}

func TestRunBadSchedule(t *testing.T) {
	t.Setenv("SWARMSTORE_HOME", t.TempDir())
	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	cfg.Retention.Schedule = "not a schedule"

	diag := doctor.Run(context.Background(), &cfg, "test")
	if r := resultByName(t, diag, "Retention"); r.Status != "FAIL" {
		t.Errorf("Retention = %s, want FAIL", r.Status)
	}
}
