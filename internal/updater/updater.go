// Package updater queries an external build-version oracle and drives the
// external install tool. The oracle is rate-limited with an adaptive
// interval so a misbehaving endpoint is backed off instead of hammered.
package updater

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"
)

const (
	// MinInterval and MaxInterval clamp the configured check interval.
	MinInterval = 15 * time.Minute
	MaxInterval = 4 * time.Hour

	// OracleTimeout is the hard cap on one oracle invocation. On expiry the
	// child process is killed and the call counts as a failure.
	OracleTimeout = 90 * time.Second

	backoffFactor    = 1.5
	failureThreshold = 3
)

// Result is the outcome of one version-oracle query.
type Result struct {
	Success         bool   `json:"success"`
	UpdateAvailable bool   `json:"update_available"`
	PreviousBuild   string `json:"previous_build"`
	NewBuild        string `json:"new_build"`
	Method          string `json:"method"`
	Err             string `json:"err,omitempty"`
}

// Config configures a Checker. OracleCmd is invoked with the source id
// appended; InstallCmd is invoked with the install dir and source id
// appended. Both accept shell syntax the same way server commands do.
type Config struct {
	OracleCmd  string        `json:"oracle_cmd" mapstructure:"oracle_cmd"`
	InstallCmd string        `json:"install_cmd" mapstructure:"install_cmd"`
	Interval   time.Duration `json:"interval" mapstructure:"interval"`
}

// Checker is safe for concurrent use. Rate-limit memory is per Checker, so
// each managed server owns one.
type Checker struct {
	cfg Config

	mu        sync.Mutex
	interval  time.Duration
	failures  int
	lastCheck time.Time
}

func New(cfg Config) *Checker {
	return &Checker{cfg: cfg, interval: clampInterval(cfg.Interval)}
}

func clampInterval(d time.Duration) time.Duration {
	if d < MinInterval {
		return MinInterval
	}
	if d > MaxInterval {
		return MaxInterval
	}
	return d
}

// Interval returns the current adaptive interval.
func (c *Checker) Interval() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.interval
}

// Check queries the oracle unless the adaptive interval has not elapsed
// since the previous attempt, in which case it returns (nil, nil).
func (c *Checker) Check(ctx context.Context, sourceID, knownBuild string) (*Result, error) {
	c.mu.Lock()
	if !c.lastCheck.IsZero() && time.Since(c.lastCheck) < c.interval {
		c.mu.Unlock()
		return nil, nil
	}
	c.lastCheck = time.Now()
	c.mu.Unlock()

	res := c.query(ctx, sourceID, knownBuild)
	c.recordOutcome(res.Success)
	return res, nil
}

// ForceCheck bypasses the rate limiter for this one call. It does not touch
// the stored interval, failure count, or last-check time, so the regular
// cadence continues as if the forced check never happened.
func (c *Checker) ForceCheck(ctx context.Context, sourceID, knownBuild string) *Result {
	return c.query(ctx, sourceID, knownBuild)
}

func (c *Checker) recordOutcome(success bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if success {
		c.failures = 0
		return
	}
	c.failures++
	if c.failures >= failureThreshold {
		c.failures = 0
		widened := time.Duration(float64(c.interval) * backoffFactor)
		if widened > MaxInterval {
			widened = MaxInterval
		}
		if widened != c.interval {
			slog.Warn("update oracle failing, widening check interval",
				"from", c.interval, "to", widened)
		}
		c.interval = widened
	}
}

// query runs the oracle with the hard timeout and parses the build id from
// the last non-empty stdout line. Oracle failures are demoted into the
// Result; they never surface as errors.
func (c *Checker) query(ctx context.Context, sourceID, knownBuild string) *Result {
	res := &Result{PreviousBuild: knownBuild, Method: "oracle"}
	if strings.TrimSpace(c.cfg.OracleCmd) == "" {
		res.Err = "no oracle command configured"
		return res
	}

	cctx, cancel := context.WithTimeout(ctx, OracleTimeout)
	defer cancel()
	cmd := buildCommand(cctx, c.cfg.OracleCmd, sourceID)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if errors.Is(cctx.Err(), context.DeadlineExceeded) {
			res.Err = fmt.Sprintf("oracle timed out after %s", OracleTimeout)
		} else {
			res.Err = fmt.Sprintf("oracle failed: %v: %s", err, excerpt(stderr.String()))
		}
		return res
	}

	build := lastNonEmptyLine(stdout.String())
	if build == "" {
		res.Err = "oracle printed no build id"
		return res
	}
	res.Success = true
	res.NewBuild = build
	res.UpdateAvailable = knownBuild == "" || build != knownBuild
	return res
}

// Install runs the external updater against installDir. Exit code zero is
// success; anything else, including spawn failure, is an error carrying a
// stderr excerpt for diagnostics.
func (c *Checker) Install(ctx context.Context, installDir, sourceID string) error {
	if strings.TrimSpace(c.cfg.InstallCmd) == "" {
		return errors.New("no install command configured")
	}
	cmd := buildCommand(ctx, c.cfg.InstallCmd, installDir, sourceID)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("install tool: %w: %s", err, excerpt(stderr.String()))
	}
	return nil
}

// buildCommand splits cmdStr into argv unless it carries shell
// metacharacters, in which case it is wrapped with /bin/sh -c. extra args
// are appended either way.
func buildCommand(ctx context.Context, cmdStr string, extra ...string) *exec.Cmd {
	cmdStr = strings.TrimSpace(cmdStr)
	var cmd *exec.Cmd
	if strings.ContainsAny(cmdStr, "|&;<>*?`$\"'(){}[]~") {
		// #nosec G204 -- command comes from operator-owned config
		cmd = exec.CommandContext(ctx, "/bin/sh", "-c", cmdStr+" "+strings.Join(extra, " "))
	} else {
		parts := strings.Fields(cmdStr)
		args := append(parts[1:], extra...)
		// #nosec G204
		cmd = exec.CommandContext(ctx, parts[0], args...)
	}
	// Kill the whole child group when the context fires so helper processes
	// spawned by the tool do not linger.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	return cmd
}

func lastNonEmptyLine(s string) string {
	lines := strings.Split(s, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if l := strings.TrimSpace(lines[i]); l != "" {
			return l
		}
	}
	return ""
}

func excerpt(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > 300 {
		s = s[:300] + "..."
	}
	return s
}
