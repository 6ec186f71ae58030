// Package checkpoint persists resumable progress markers for the ingest and
// enrichment workers. Each worker role owns exactly one checkpoint file;
// writes are atomic (write-temp-then-rename) so an interrupted worker never
// leaves a torn file behind.
package checkpoint

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rotisserie/eris"
)

// Worker roles with independent checkpoints.
const (
	RoleIngest = "ingest"
	RoleEnrich = "enrich"
)

// Checkpoint is the resumable progress marker for one worker run.
// LastCompletedChunkEnd is monotonically non-decreasing across a run.
type Checkpoint struct {
	RunID                 string           `json:"run_id"`
	Role                  string           `json:"role"`
	LastCompletedChunkEnd time.Time        `json:"last_completed_chunk_end,omitzero"`
	ChunksTotal           int              `json:"chunks_total,omitempty"`
	ChunksCompleted       int              `json:"chunks_completed,omitempty"`
	ChunksFailed          int              `json:"chunks_failed,omitempty"`
	Counters              map[string]int64 `json:"counters,omitempty"`
	StartedAt             time.Time        `json:"started_at"`
	UpdatedAt             time.Time        `json:"updated_at"`
	CompletedAt           *time.Time       `json:"completed_at,omitempty"`

	mu   sync.Mutex
	path string
}

// Store manages the checkpoint files for one state directory.
type Store struct {
	dir string
}

// NewStore creates the state directory if needed.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, eris.Wrapf(err, "checkpoint: create state dir %s", dir)
	}
	return &Store{dir: dir}, nil
}

// Dir returns the state directory.
func (s *Store) Dir() string { return s.dir }

func (s *Store) path(role string) string {
	return filepath.Join(s.dir, role+".checkpoint")
}

// Create starts a fresh checkpoint for a role, replacing any existing file.
func (s *Store) Create(runID, role string) (*Checkpoint, error) {
	now := time.Now().UTC()
	cp := &Checkpoint{
		RunID:     runID,
		Role:      role,
		Counters:  make(map[string]int64),
		StartedAt: now,
		UpdatedAt: now,
		path:      s.path(role),
	}
	if err := cp.Save(); err != nil {
		return nil, err
	}
	return cp, nil
}

// Load reads the checkpoint for a role. Returns (nil, nil) if no checkpoint
// file exists, so resume logic can distinguish "fresh start" from corruption.
func (s *Store) Load(role string) (*Checkpoint, error) {
	data, err := os.ReadFile(s.path(role))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "checkpoint: read %s", role)
	}

	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, eris.Wrapf(err, "checkpoint: decode %s", role)
	}
	if cp.Counters == nil {
		cp.Counters = make(map[string]int64)
	}
	cp.path = s.path(role)
	return &cp, nil
}

// Archive marks the checkpoint complete and renames it to
// <role>.<run_id>.done. Archived checkpoints are kept, never deleted.
func (s *Store) Archive(cp *Checkpoint) error {
	cp.mu.Lock()
	now := time.Now().UTC()
	cp.CompletedAt = &now
	cp.UpdatedAt = now
	cp.mu.Unlock()

	if err := cp.Save(); err != nil {
		return err
	}

	dest := filepath.Join(s.dir, fmt.Sprintf("%s.%s.done", cp.Role, cp.RunID))
	if err := os.Rename(s.path(cp.Role), dest); err != nil {
		return eris.Wrapf(err, "checkpoint: archive %s", cp.Role)
	}
	return nil
}

// Advance records a completed chunk and persists. The chunk end must not
// regress: a smaller end than the current marker is rejected.
func (c *Checkpoint) Advance(chunkEnd time.Time) error {
	c.mu.Lock()
	if chunkEnd.Before(c.LastCompletedChunkEnd) {
		end := c.LastCompletedChunkEnd
		c.mu.Unlock()
		return eris.Errorf("checkpoint: chunk end %s regresses from %s",
			chunkEnd.Format("2006-01-02"), end.Format("2006-01-02"))
	}
	c.LastCompletedChunkEnd = chunkEnd
	c.ChunksCompleted++
	c.UpdatedAt = time.Now().UTC()
	c.mu.Unlock()
	return c.Save()
}

// Fail records a failed chunk without moving the resume marker.
func (c *Checkpoint) Fail() {
	c.mu.Lock()
	c.ChunksFailed++
	c.UpdatedAt = time.Now().UTC()
	c.mu.Unlock()
}

// Add bumps a named counter. Not persisted until the next Save or Advance.
func (c *Checkpoint) Add(key string, n int64) {
	c.mu.Lock()
	c.Counters[key] += n
	c.UpdatedAt = time.Now().UTC()
	c.mu.Unlock()
}

// Counter returns the value of a named counter.
func (c *Checkpoint) Counter(key string) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Counters[key]
}

// Save writes the checkpoint atomically.
func (c *Checkpoint) Save() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return eris.Wrap(err, "checkpoint: marshal")
	}

	tempPath := c.path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0o644); err != nil {
		return eris.Wrapf(err, "checkpoint: write %s", tempPath)
	}
	if err := os.Rename(tempPath, c.path); err != nil {
		return eris.Wrapf(err, "checkpoint: rename %s", c.path)
	}
	return nil
}

// Elapsed returns how long the run has been going (or took, if completed).
func (c *Checkpoint) Elapsed() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.CompletedAt != nil {
		return c.CompletedAt.Sub(c.StartedAt)
	}
	return time.Since(c.StartedAt)
}
