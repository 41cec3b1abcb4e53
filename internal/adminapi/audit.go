// Copyright 2025 James Ross
package adminapi

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// AuditLogger appends one JSON line per audited operator action (job
// cancellations, logins) to a size-rotated file. The write path is
// append-only; entries are never rewritten after the fact.
type AuditLogger struct {
	mu         sync.Mutex
	file       *os.File
	path       string
	maxSize    int64
	maxBackups int
	size       int64
}

// NewAuditLogger opens (or creates) the audit log at path. maxSize bounds
// a single file before rotation; maxBackups bounds how many rotated files
// are kept.
func NewAuditLogger(path string, maxSize int64, maxBackups int) (*AuditLogger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create audit log directory: %w", err)
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("stat audit log: %w", err)
	}
	return &AuditLogger{file: file, path: path, maxSize: maxSize, maxBackups: maxBackups, size: stat.Size()}, nil
}

// Log appends entry as one JSON line, rotating first if the file would
// exceed maxSize.
func (l *AuditLogger) Log(entry AuditEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal audit entry: %w", err)
	}
	line = append(line, '\n')

	if l.size+int64(len(line)) > l.maxSize {
		if err := l.rotate(); err != nil {
			return fmt.Errorf("rotate audit log: %w", err)
		}
	}

	n, err := l.file.Write(line)
	if err != nil {
		return fmt.Errorf("write audit entry: %w", err)
	}
	l.size += int64(n)
	return nil
}

// rotate renames the current file aside with a timestamp suffix, prunes
// the oldest backups past maxBackups, and reopens a fresh file. Caller
// holds mu.
func (l *AuditLogger) rotate() error {
	l.file.Close()

	stamped := fmt.Sprintf("%s.%s", l.path, time.Now().Format("20060102-150405"))
	if err := os.Rename(l.path, stamped); err != nil {
		return err
	}
	l.pruneBackups()

	file, err := os.OpenFile(l.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	l.file = file
	l.size = 0
	return nil
}

// pruneBackups removes the oldest rotated files beyond maxBackups.
// Failures are swallowed; losing a prune pass is preferable to failing
// the audit write that triggered it.
func (l *AuditLogger) pruneBackups() {
	matches, err := filepath.Glob(l.path + ".*")
	if err != nil || len(matches) <= l.maxBackups {
		return
	}
	// The timestamp suffix sorts chronologically.
	sort.Strings(matches)
	for _, old := range matches[:len(matches)-l.maxBackups] {
		os.Remove(old)
	}
}

// Close flushes and closes the underlying file.
func (l *AuditLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}
