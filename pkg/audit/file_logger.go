package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const liveLogName = "audit.log"

// FileLogger appends audit events to a newline-delimited JSON file. It is
// the only sink on SQLite deployments and the off-box collection feed
// everywhere else: one object per line, which is what log shippers expect.
type FileLogger struct {
	basePath string
	rotate   bool
	maxSize  int64
	maxFiles int

	mu   sync.Mutex
	file *os.File
	size int64
}

// FileLoggerConfig configures the file sink.
type FileLoggerConfig struct {
	// BasePath is the directory holding audit.log and its rotated
	// predecessors. It is created if missing.
	BasePath string
	// Rotate moves the live file aside once it reaches MaxSize.
	Rotate bool
	// MaxSize is the rotation threshold in bytes. Zero means 100 MiB.
	MaxSize int64
	// MaxFiles caps how many rotated files are kept. Zero means 10.
	MaxFiles int
}

// DefaultFileLoggerConfig returns the sink defaults.
func DefaultFileLoggerConfig() FileLoggerConfig {
	return FileLoggerConfig{
		BasePath: "/var/log/gatehouse/audit",
		Rotate:   true,
		MaxSize:  100 * 1024 * 1024,
		MaxFiles: 10,
	}
}

// NewFileLogger opens the sink, creating the directory and live file as
// needed.
func NewFileLogger(config FileLoggerConfig) (*FileLogger, error) {
	if err := os.MkdirAll(config.BasePath, 0o755); err != nil {
		return nil, fmt.Errorf("create audit log directory: %w", err)
	}

	l := &FileLogger{
		basePath: config.BasePath,
		rotate:   config.Rotate,
		maxSize:  config.MaxSize,
		maxFiles: config.MaxFiles,
	}
	if l.maxSize <= 0 {
		l.maxSize = 100 * 1024 * 1024
	}
	if l.maxFiles <= 0 {
		l.maxFiles = 10
	}

	if err := l.open(); err != nil {
		return nil, err
	}
	return l, nil
}

// Log appends one event. Rotation happens between events, never through
// the middle of one.
func (l *FileLogger) Log(ctx context.Context, event *Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode audit event: %w", err)
	}
	data = append(data, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return errors.New("audit log is closed")
	}

	// The size counter makes this a comparison instead of a stat per
	// write. A non-empty file rotates before a write would push it past
	// the limit; an event larger than the limit on its own still lands.
	if l.rotate && l.size > 0 && l.size+int64(len(data)) > l.maxSize {
		if err := l.swap(); err != nil {
			return fmt.Errorf("rotate audit log: %w", err)
		}
	}

	n, err := l.file.Write(data)
	l.size += int64(n)
	if err != nil {
		return fmt.Errorf("write audit event: %w", err)
	}
	return nil
}

// Close closes the live file. Log calls after Close fail.
func (l *FileLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// open opens the live file for appending and seeds the size counter from
// whatever a previous process left behind. Callers hold the mutex.
func (l *FileLogger) open() error {
	file, err := os.OpenFile(filepath.Join(l.basePath, liveLogName), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("stat audit log: %w", err)
	}
	l.file = file
	l.size = info.Size()
	return nil
}

// swap renames the live file aside, prunes old rotations, and opens a
// fresh live file. Callers hold the mutex.
func (l *FileLogger) swap() error {
	if l.file != nil {
		l.file.Close()
		l.file = nil
	}

	// Nanosecond resolution so back-to-back rotations never collide on
	// the same name. Fixed-width stamps keep the names sortable.
	stamp := time.Now().UTC().Format("20060102T150405.000000000")
	live := filepath.Join(l.basePath, liveLogName)
	if err := os.Rename(live, filepath.Join(l.basePath, "audit-"+stamp+".log")); err != nil {
		return err
	}

	l.prune()
	return l.open()
}

// prune removes the oldest rotated files beyond maxFiles. The live file is
// not counted against the cap.
func (l *FileLogger) prune() {
	rotated, err := filepath.Glob(filepath.Join(l.basePath, "audit-*.log"))
	if err != nil || len(rotated) <= l.maxFiles {
		return
	}
	// Glob sorts, and the stamps sort oldest first. Removal is best
	// effort: a file that survives is picked up by the next prune.
	for _, old := range rotated[:len(rotated)-l.maxFiles] {
		os.Remove(old)
	}
}

// ReadLogs returns events from the live file, oldest first. A count of
// zero reads the whole file. Intended for tooling and tests rather than
// the serving path.
func (l *FileLogger) ReadLogs(count int) ([]*Event, error) {
	file, err := os.Open(filepath.Join(l.basePath, liveLogName))
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	defer file.Close()

	var events []*Event
	decoder := json.NewDecoder(file)
	for count <= 0 || len(events) < count {
		var event Event
		if err := decoder.Decode(&event); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("decode audit log entry: %w", err)
		}
		events = append(events, &event)
	}
	return events, nil
}
