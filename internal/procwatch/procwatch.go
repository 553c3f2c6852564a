// Package procwatch wraps OS process enumeration and lifecycle for servers
// that run outside this daemon's own process tree. Lookups are by process
// name, not PID: the supervised servers may be (re)started by operators at
// any time, so a remembered PID is never authoritative.
package procwatch

import (
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"
)

const pollInterval = 250 * time.Millisecond

// Supervisor performs by-name process operations. All OS-level failures are
// demoted to boolean results and logged: a protected or stuck process must
// never crash a supervision tick.
type Supervisor struct {
	logs LogWriters
}

// LogWriters supplies optional stdout/stderr writers for started processes.
// A nil function or nil writers mean stdio is discarded.
type LogWriters func(name string) (io.WriteCloser, io.WriteCloser, error)

func New(logs LogWriters) *Supervisor {
	return &Supervisor{logs: logs}
}

// IsRunning reports whether any process with the given name exists.
func (s *Supervisor) IsRunning(name string) bool {
	return len(findPIDs(name)) > 0
}

// Stop asks all processes with the given name to terminate (SIGTERM) and
// waits up to wait for them to exit. It returns true when none remain.
// It never force-kills; Kill is a separate explicit operation.
func (s *Supervisor) Stop(name string, wait time.Duration) bool {
	pids := findPIDs(name)
	if len(pids) == 0 {
		return true
	}
	for _, pid := range pids {
		if err := syscall.Kill(pid, syscall.SIGTERM); err != nil && err != syscall.ESRCH {
			slog.Warn("sigterm failed", "process", name, "pid", pid, "err", err)
		}
	}
	deadline := time.Now().Add(wait)
	for time.Now().Before(deadline) {
		if len(findPIDs(name)) == 0 {
			return true
		}
		time.Sleep(pollInterval)
	}
	return len(findPIDs(name)) == 0
}

// Kill force-terminates all processes with the given name.
func (s *Supervisor) Kill(name string) {
	for _, pid := range findPIDs(name) {
		if err := syscall.Kill(pid, syscall.SIGKILL); err != nil && err != syscall.ESRCH {
			slog.Warn("sigkill failed", "process", name, "pid", pid, "err", err)
		}
	}
}

// Start launches the executable detached in its own process group. Stdout
// and stderr are captured through the configured log writers, or discarded.
// The child is reaped by a background waiter so it cannot become a zombie.
func (s *Supervisor) Start(name, executable string, args []string, workDir string) error {
	// #nosec G204 -- executable and args come from operator-owned config
	cmd := exec.Command(executable, args...)
	if workDir != "" {
		cmd.Dir = workDir
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var outW, errW io.WriteCloser
	if s.logs != nil {
		var err error
		outW, errW, err = s.logs(name)
		if err != nil {
			slog.Warn("log writers unavailable, discarding output", "process", name, "err", err)
		}
	}
	if outW != nil {
		cmd.Stdout = outW
	} else {
		cmd.Stdout, _ = os.OpenFile(os.DevNull, os.O_RDWR, 0)
	}
	if errW != nil {
		cmd.Stderr = errW
	} else {
		cmd.Stderr, _ = os.OpenFile(os.DevNull, os.O_RDWR, 0)
	}

	if err := cmd.Start(); err != nil {
		if outW != nil {
			_ = outW.Close()
		}
		if errW != nil {
			_ = errW.Close()
		}
		return err
	}
	go func() {
		_ = cmd.Wait()
		if outW != nil {
			_ = outW.Close()
		}
		if errW != nil {
			_ = errW.Close()
		}
	}()
	return nil
}

// findPIDs scans /proc for processes whose comm or argv[0] basename matches
// name. Entries that vanish mid-scan are skipped silently.
func findPIDs(name string) []int {
	entries, err := os.ReadDir("/proc")
	if err != nil {
		slog.Warn("proc scan failed", "err", err)
		return nil
	}
	self := os.Getpid()
	var pids []int
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		pid, err := strconv.Atoi(e.Name())
		if err != nil || pid == self {
			continue
		}
		if matchesName(pid, name) {
			pids = append(pids, pid)
		}
	}
	return pids
}

func matchesName(pid int, name string) bool {
	// comm is truncated to 15 chars by the kernel; compare accordingly.
	if b, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/comm"); err == nil {
		comm := strings.TrimSpace(string(b))
		want := name
		if len(want) > 15 {
			want = want[:15]
		}
		if comm == want {
			return true
		}
	}
	if b, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/cmdline"); err == nil {
		if argv := strings.Split(string(b), "\x00"); len(argv) > 0 && argv[0] != "" {
			base := argv[0]
			if i := strings.LastIndexByte(base, '/'); i >= 0 {
				base = base[i+1:]
			}
			if base == name {
				return true
			}
		}
	}
	return false
}
