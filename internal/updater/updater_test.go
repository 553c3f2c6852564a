package updater

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// fixedOracle writes a script printing build regardless of arguments, the
// way a real oracle prints one machine-parseable line after diagnostics.
func fixedOracle(t *testing.T, build string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "oracle.sh")
	script := "#!/bin/sh\necho checking source \"$1\" >&2\necho " + build + "\n"
	if err := os.WriteFile(p, []byte(script), 0o755); err != nil {
		t.Fatalf("write oracle: %v", err)
	}
	return p
}

func TestClampInterval(t *testing.T) {
	if clampInterval(time.Minute) != MinInterval {
		t.Fatalf("short interval must clamp up")
	}
	if clampInterval(10*time.Hour) != MaxInterval {
		t.Fatalf("long interval must clamp down")
	}
	if clampInterval(time.Hour) != time.Hour {
		t.Fatalf("in-range interval must pass through")
	}
}

func TestCheckParsesBuildID(t *testing.T) {
	c := New(Config{OracleCmd: fixedOracle(t, "build-42")})
	res, err := c.Check(context.Background(), "srcid", "build-41")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if res == nil || !res.Success {
		t.Fatalf("expected success, got %+v", res)
	}
	if res.NewBuild != "build-42" || !res.UpdateAvailable {
		t.Fatalf("unexpected result %+v", res)
	}
	if res.PreviousBuild != "build-41" {
		t.Fatalf("previous build lost: %+v", res)
	}
}

func TestCheckNoUpdateWhenSameBuild(t *testing.T) {
	c := New(Config{OracleCmd: fixedOracle(t, "build-42")})
	res, _ := c.Check(context.Background(), "srcid", "build-42")
	if res == nil || !res.Success || res.UpdateAvailable {
		t.Fatalf("same build must not report an update: %+v", res)
	}
}

func TestRateLimiter(t *testing.T) {
	c := New(Config{OracleCmd: fixedOracle(t, "b1"), Interval: 15 * time.Minute})
	first, _ := c.Check(context.Background(), "s", "")
	if first == nil {
		t.Fatalf("first check must run")
	}
	second, err := c.Check(context.Background(), "s", "")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if second != nil {
		t.Fatalf("second check 1s later must be rate-limited, got %+v", second)
	}

	// A forced check runs anyway and leaves limiter state untouched.
	before := c.Interval()
	forced := c.ForceCheck(context.Background(), "s", "")
	if forced == nil || !forced.Success {
		t.Fatalf("forced check must return a real result: %+v", forced)
	}
	if c.Interval() != before {
		t.Fatalf("forced check must not alter the stored interval")
	}
	if third, _ := c.Check(context.Background(), "s", ""); third != nil {
		t.Fatalf("regular cadence must be unaffected by the forced check")
	}
}

func TestBackoffAfterConsecutiveFailures(t *testing.T) {
	c := New(Config{OracleCmd: "false"})
	base := c.Interval()
	for i := 0; i < failureThreshold; i++ {
		res := c.ForceCheck(context.Background(), "s", "")
		if res.Success {
			t.Fatalf("expected failure")
		}
		c.recordOutcome(res.Success)
	}
	want := time.Duration(float64(base) * backoffFactor)
	if c.Interval() != want {
		t.Fatalf("interval = %v, want %v", c.Interval(), want)
	}

	// Success resets the failure streak (but not the widened interval).
	c.recordOutcome(true)
	c.recordOutcome(false)
	c.recordOutcome(false)
	if c.Interval() != want {
		t.Fatalf("two failures after a success must not widen again")
	}
}

func TestBackoffCap(t *testing.T) {
	c := New(Config{OracleCmd: "false", Interval: MaxInterval})
	for i := 0; i < failureThreshold; i++ {
		c.recordOutcome(false)
	}
	if c.Interval() != MaxInterval {
		t.Fatalf("interval must cap at %v, got %v", MaxInterval, c.Interval())
	}
}

func TestOracleFailureDemotedToResult(t *testing.T) {
	c := New(Config{OracleCmd: "false"})
	res := c.ForceCheck(context.Background(), "s", "b")
	if res.Success || res.Err == "" {
		t.Fatalf("expected failed result with message, got %+v", res)
	}
}

func TestOracleEmptyOutput(t *testing.T) {
	c := New(Config{OracleCmd: "true"})
	res := c.ForceCheck(context.Background(), "s", "")
	if res.Success || !strings.Contains(res.Err, "no build id") {
		t.Fatalf("empty oracle output must fail: %+v", res)
	}
}

func TestNoOracleConfigured(t *testing.T) {
	c := New(Config{})
	res := c.ForceCheck(context.Background(), "s", "")
	if res.Success {
		t.Fatalf("missing oracle command must fail")
	}
}

func TestInstall(t *testing.T) {
	c := New(Config{InstallCmd: "true"})
	if err := c.Install(context.Background(), "/tmp", "src"); err != nil {
		t.Fatalf("install: %v", err)
	}
	c = New(Config{InstallCmd: "false"})
	if err := c.Install(context.Background(), "/tmp", "src"); err == nil {
		t.Fatalf("non-zero exit must be an error")
	}
	c = New(Config{})
	if err := c.Install(context.Background(), "/tmp", "src"); err == nil {
		t.Fatalf("missing install command must be an error")
	}
}

func TestLastNonEmptyLine(t *testing.T) {
	if got := lastNonEmptyLine("a\nb\n\n  \n"); got != "b" {
		t.Fatalf("got %q", got)
	}
	if got := lastNonEmptyLine("\n\n"); got != "" {
		t.Fatalf("got %q", got)
	}
}
