package identity

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// RunnerFile is the persisted runner identity, stored in the settings
// directory as runner.json. The ID is generated once and never changes
// for the lifetime of the installation.
type RunnerFile struct {
	Version   int       `json:"version"`
	RunnerID  string    `json:"runner_id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// GenerateRunnerID generates a runner ID.
// Format: "run_" + ulid().
func GenerateRunnerID() string {
	return "run_" + generateULID()
}

// GenerateCommandID generates a unique command ID using ULID.
// Format: "cmd_" + ulid().
func GenerateCommandID() string {
	return "cmd_" + generateULID()
}

// GenerateTurnID generates a unique turn ID using ULID.
// Format: "turn_" + ulid().
func GenerateTurnID() string {
	return "turn_" + generateULID()
}

// GenerateWorkspaceID generates a unique workspace ID using ULID.
// Format: "ws_" + ulid().
func GenerateWorkspaceID() string {
	return "ws_" + generateULID()
}

var (
	ulidMu      sync.Mutex
	ulidEntropy = ulid.Monotonic(rand.Reader, 0)
)

// generateULID generates a ULID string.
func generateULID() string {
	ulidMu.Lock()
	defer ulidMu.Unlock()
	id := ulid.MustNew(ulid.Timestamp(time.Now()), ulidEntropy)
	return id.String()
}

// ULIDTimestamp extracts the timestamp from a prefixed or bare ULID string.
// Used as a creation-order fallback when a record carries no created_at.
func ULIDTimestamp(s string) (time.Time, error) {
	if i := strings.IndexByte(s, '_'); i >= 0 {
		s = s[i+1:]
	}

	id, err := ulid.Parse(s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse ULID: %w", err)
	}

	ms := id.Time()
	if ms/1000 > uint64(math.MaxInt64) {
		return time.Time{}, fmt.Errorf("ULID timestamp %d exceeds int64 range", ms)
	}
	sec := int64(ms / 1000)      //nolint:gosec // overflow checked above
	nsec := int64(ms%1000) * 1e6 //nolint:gosec // ms%1000 is always < 1000

	return time.Unix(sec, nsec), nil
}

// DedupKey computes the chat dedup key for a submission.
// Format: hex(sha256(clientID|workspaceID|threadID|text)).
func DedupKey(clientID, workspaceID, threadID, text string) string {
	input := fmt.Sprintf("%s|%s|%s|%s", clientID, workspaceID, threadID, text)
	hash := sha256.Sum256([]byte(input))
	return hex.EncodeToString(hash[:])
}

// LoadOrCreateRunner loads the runner identity file from dir, creating it
// with a fresh ID on first run. The name defaults to the hostname.
func LoadOrCreateRunner(dir string) (*RunnerFile, error) {
	path := filepath.Join(dir, "runner.json")

	data, err := os.ReadFile(path) //nolint:gosec // G304 - path from internal settings directory
	if err == nil {
		var rf RunnerFile
		if err := json.Unmarshal(data, &rf); err != nil {
			return nil, fmt.Errorf("parse runner file: %w", err)
		}
		if rf.RunnerID == "" {
			return nil, fmt.Errorf("runner file %s has empty runner_id", path)
		}
		return &rf, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read runner file: %w", err)
	}

	name, _ := os.Hostname()
	rf := &RunnerFile{
		Version:   1,
		RunnerID:  GenerateRunnerID(),
		Name:      name,
		CreatedAt: time.Now().UTC(),
	}
	if err := SaveRunner(dir, rf); err != nil {
		return nil, err
	}
	return rf, nil
}

// SaveRunner writes the runner identity file to dir.
func SaveRunner(dir string, rf *RunnerFile) error {
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("create settings directory: %w", err)
	}

	data, err := json.MarshalIndent(rf, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal runner file: %w", err)
	}

	path := filepath.Join(dir, "runner.json")
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("write runner file: %w", err)
	}

	return nil
}
