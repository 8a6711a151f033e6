package emitter

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"sync"
	"time"

	"github.com/speckitty/speckitty/internal/log"
)

// clockState is the persisted shape of the Lamport clock file.
type clockState struct {
	Value     uint64    `json:"value"`
	NodeID    string    `json:"node_id"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clock is a persisted Lamport clock. Tick and Observe coordinate in-process
// via a mutex; cross-process writers race on the persisted value, which is
// acceptable because causal ordering only needs monotonicity per emitter.
type Clock struct {
	mu    sync.Mutex
	path  string
	state clockState
}

// LoadClock opens the clock file at path, initializing to zero when the file
// is missing or corrupt.
func LoadClock(path string) *Clock {
	c := &Clock{path: path, state: clockState{NodeID: NodeID()}}
	data, err := os.ReadFile(path) //nolint:gosec // G304: clock path comes from the feature dir
	if err != nil {
		return c
	}
	var st clockState
	if err := json.Unmarshal(data, &st); err != nil {
		log.Warn(log.CatEmit, "Corrupt clock file; resetting to zero", "path", path, "error", err)
		return c
	}
	c.state.Value = st.Value
	return c
}

// Tick advances the clock by one and persists it, returning the new value.
func (c *Clock) Tick() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state.Value++
	c.persist()
	return c.state.Value
}

// Observe reconciles against a value seen from another node: the clock jumps
// to max(local, remote)+1.
func (c *Clock) Observe(remote uint64) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if remote > c.state.Value {
		c.state.Value = remote
	}
	c.state.Value++
	c.persist()
	return c.state.Value
}

// Value returns the current clock value without ticking.
func (c *Clock) Value() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Value
}

// persist atomically replaces the clock file. Callers hold c.mu.
func (c *Clock) persist() {
	c.state.UpdatedAt = time.Now().UTC()
	data, err := json.MarshalIndent(c.state, "", "  ")
	if err != nil {
		log.ErrorErr(log.CatEmit, "Encoding clock state failed", err, "path", c.path)
		return
	}
	tmp, err := os.CreateTemp(filepath.Dir(c.path), ".clock-*")
	if err != nil {
		log.ErrorErr(log.CatEmit, "Persisting clock failed", err, "path", c.path)
		return
	}
	name := tmp.Name()
	if _, err := tmp.Write(append(data, '\n')); err != nil {
		_ = tmp.Close()
		_ = os.Remove(name)
		log.ErrorErr(log.CatEmit, "Persisting clock failed", err, "path", c.path)
		return
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(name)
		log.ErrorErr(log.CatEmit, "Persisting clock failed", err, "path", c.path)
		return
	}
	if err := os.Rename(name, c.path); err != nil {
		_ = os.Remove(name)
		log.ErrorErr(log.CatEmit, "Persisting clock failed", err, "path", c.path)
	}
}

var (
	nodeIDOnce sync.Once
	nodeID     string
)

// NodeID derives a stable 12-char hex identifier for this machine and user.
// The fingerprint combines the OS machine id (when readable), hostname, and
// username, so it survives restarts but differs across machines and accounts.
func NodeID() string {
	nodeIDOnce.Do(func() {
		var parts []byte
		if data, err := os.ReadFile("/etc/machine-id"); err == nil {
			parts = append(parts, data...)
		}
		if host, err := os.Hostname(); err == nil {
			parts = append(parts, host...)
		}
		if u, err := user.Current(); err == nil {
			parts = append(parts, u.Username...)
		}
		if len(parts) == 0 {
			parts = []byte(fmt.Sprintf("fallback-%d", os.Getpid()))
		}
		sum := sha256.Sum256(parts)
		nodeID = hex.EncodeToString(sum[:])[:12]
	})
	return nodeID
}
