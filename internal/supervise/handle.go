// Package supervise manages the detached ingest and enrich worker processes
// behind the backfill command: spawning them, tracking liveness through
// handle files, and stopping them gracefully.
package supervise

import (
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// Handle records one spawned worker process.
type Handle struct {
	PID       int       `json:"pid"`
	Role      string    `json:"role"`
	RunID     string    `json:"run_id"`
	StartedAt time.Time `json:"started_at"`
	LogPath   string    `json:"log_path"`
}

// Manager owns the handle files for one state directory.
type Manager struct {
	dir string
	log *zap.Logger
}

func NewManager(dir string) (*Manager, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, eris.Wrapf(err, "supervise: create state dir %s", dir)
	}
	return &Manager{dir: dir, log: zap.L().Named("supervise")}, nil
}

func (m *Manager) handlePath(role string) string {
	return filepath.Join(m.dir, role+".pid.json")
}

// Spawn re-invokes the current binary with the given arguments as a detached
// worker, wiring its output to a per-role log file, and records the handle.
func (m *Manager) Spawn(role, runID string, args ...string) (*Handle, error) {
	if h, err := m.Load(role); err != nil {
		return nil, err
	} else if h != nil && m.Alive(h) {
		return nil, eris.Errorf("supervise: %s worker already running (pid %d)", role, h.PID)
	}

	self, err := os.Executable()
	if err != nil {
		return nil, eris.Wrap(err, "supervise: resolve binary path")
	}

	logPath := filepath.Join(m.dir, role+".log")
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, eris.Wrapf(err, "supervise: open worker log %s", logPath)
	}
	defer logFile.Close()

	cmd := exec.Command(self, args...)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if err := cmd.Start(); err != nil {
		return nil, eris.Wrapf(err, "supervise: start %s worker", role)
	}
	// Detach: the worker outlives this process, liveness is tracked through
	// the handle file rather than Wait.
	if err := cmd.Process.Release(); err != nil {
		return nil, eris.Wrapf(err, "supervise: release %s worker", role)
	}

	h := &Handle{
		PID:       cmd.Process.Pid,
		Role:      role,
		RunID:     runID,
		StartedAt: time.Now().UTC(),
		LogPath:   logPath,
	}
	if err := m.save(h); err != nil {
		return nil, err
	}
	m.log.Info("worker started",
		zap.String("role", role),
		zap.Int("pid", h.PID),
		zap.String("log", logPath))
	return h, nil
}

func (m *Manager) save(h *Handle) error {
	data, err := json.MarshalIndent(h, "", "  ")
	if err != nil {
		return eris.Wrap(err, "supervise: marshal handle")
	}
	tempPath := m.handlePath(h.Role) + ".tmp"
	if err := os.WriteFile(tempPath, data, 0o644); err != nil {
		return eris.Wrapf(err, "supervise: write %s", tempPath)
	}
	if err := os.Rename(tempPath, m.handlePath(h.Role)); err != nil {
		return eris.Wrapf(err, "supervise: rename handle for %s", h.Role)
	}
	return nil
}

// Load reads a role's handle file. Returns (nil, nil) when no worker has
// been started.
func (m *Manager) Load(role string) (*Handle, error) {
	data, err := os.ReadFile(m.handlePath(role))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "supervise: read handle for %s", role)
	}
	var h Handle
	if err := json.Unmarshal(data, &h); err != nil {
		return nil, eris.Wrapf(err, "supervise: decode handle for %s", role)
	}
	return &h, nil
}

// Alive probes the process with signal 0.
func (m *Manager) Alive(h *Handle) bool {
	if h == nil || h.PID <= 0 {
		return false
	}
	return syscall.Kill(h.PID, 0) == nil
}

// Stop sends SIGTERM and polls until the worker exits or the grace period
// runs out, then removes the handle file. A worker that outlives the grace
// period is left running and reported as an error.
func (m *Manager) Stop(role string, grace time.Duration) error {
	h, err := m.Load(role)
	if err != nil {
		return err
	}
	if h == nil || !m.Alive(h) {
		m.remove(role)
		return nil
	}

	if err := syscall.Kill(h.PID, syscall.SIGTERM); err != nil {
		return eris.Wrapf(err, "supervise: signal %s worker (pid %d)", role, h.PID)
	}

	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		if !m.Alive(h) {
			m.remove(role)
			m.log.Info("worker stopped", zap.String("role", role), zap.Int("pid", h.PID))
			return nil
		}
		time.Sleep(200 * time.Millisecond)
	}
	return eris.Errorf("supervise: %s worker (pid %d) did not exit within %s", role, h.PID, grace)
}

func (m *Manager) remove(role string) {
	if err := os.Remove(m.handlePath(role)); err != nil && !os.IsNotExist(err) {
		m.log.Warn("remove handle file", zap.String("role", role), zap.Error(err))
	}
}
