package pipeline

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
)

// Ledger keeps track of which events have been delivered.
// The key is the dedup key of the candidate, and the value is the ID the
// calendar sink assigned to the created event.
type Ledger struct {
	path    string
	mu      sync.Mutex
	entries map[string]string
}

// LoadLedger loads the ledger from the JSON file at path. A missing file
// yields an empty ledger. An empty path keeps the ledger in memory only.
func LoadLedger(path string) (*Ledger, error) {
	l := &Ledger{path: path, entries: make(map[string]string)}
	if path == "" {
		return l, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return l, nil
		}
		return nil, fmt.Errorf("failed to read ledger: %w", err)
	}
	if len(data) == 0 {
		return l, nil
	}
	if err := json.Unmarshal(data, &l.entries); err != nil {
		return nil, fmt.Errorf("failed to parse ledger %s: %w", path, err)
	}
	if l.entries == nil {
		l.entries = make(map[string]string)
	}
	return l, nil
}

// Lookup returns the sink ID recorded for key.
func (l *Ledger) Lookup(key string) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	id, ok := l.entries[key]
	return id, ok
}

// Record stores the sink ID for key.
func (l *Ledger) Record(key, sinkID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries[key] = sinkID
}

// Len returns the number of delivered events.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Save writes the ledger back to its file.
func (l *Ledger) Save() error {
	if l.path == "" {
		return nil
	}
	l.mu.Lock()
	data, err := json.MarshalIndent(l.entries, "", "  ")
	l.mu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to marshal ledger: %w", err)
	}

	tmp := l.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write ledger: %w", err)
	}
	if err := os.Rename(tmp, l.path); err != nil {
		return fmt.Errorf("failed to replace ledger: %w", err)
	}
	return nil
}
