// Package workspace lays out the helios state directory.
package workspace

import (
	"fmt"
	"os"
	"path/filepath"
)

const (
	// DatabaseFile is the SQLite database inside state/
	DatabaseFile = "helios.db"
	// EventsFile is the audit log inside events/
	EventsFile = "events.ndjson"
)

// GetRequiredDirectories returns the directories that must exist under a state root
func GetRequiredDirectories() []string {
	return []string{
		"state",  // state/helios.db
		"events", // events/events.ndjson
		"logs",   // logs/helios.log when file logging is enabled
	}
}

// Layout resolves well-known paths under a state root
type Layout struct {
	Root string
}

// DatabasePath returns the default SQLite database path
func (l Layout) DatabasePath() string {
	return filepath.Join(l.Root, "state", DatabaseFile)
}

// EventsPath returns the audit log path
func (l Layout) EventsPath() string {
	return filepath.Join(l.Root, "events", EventsFile)
}

// LogsDir returns the directory for log files
func (l Layout) LogsDir() string {
	return filepath.Join(l.Root, "logs")
}

// Initialize creates all required directories with 0700 permissions. Safe to call repeatedly.
func Initialize(root string) error {
	for _, dir := range GetRequiredDirectories() {
		path := filepath.Join(root, dir)
		if err := os.MkdirAll(path, 0700); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", path, err)
		}
	}
	return nil
}

// IsInitialized reports whether every required directory exists
func IsInitialized(root string) (bool, error) {
	for _, dir := range GetRequiredDirectories() {
		path := filepath.Join(root, dir)

		info, err := os.Stat(path)
		if os.IsNotExist(err) {
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("failed to check directory %s: %w", path, err)
		}
		if !info.IsDir() {
			return false, nil
		}
	}
	return true, nil
}
