// Package logging wires slog to the console and a rotating weekly log
// file, and provides the request logging middleware.
package logging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// logFilePrefix is the file name prefix for every log file this package writes
const logFilePrefix = "panelyt-"

const (
	defaultMaxLogSize = 100 * 1024 * 1024
	cleanupEvery      = 24 * time.Hour
)

// RotatingLogger is an io.Writer that targets one log file per ISO week,
// splitting into numbered files when a file outgrows the size limit and
// deleting files older than the retention window.
type RotatingLogger struct {
	logDir      string
	retention   time.Duration
	maxFileSize int64

	mu          sync.Mutex
	currentFile *os.File
	currentWeek string
	currentSize atomic.Int64
	lastCleanup time.Time

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// NewRotatingLogger creates a rotating logger with the default size limit.
func NewRotatingLogger(logDir string, retentionWeeks int) *RotatingLogger {
	return NewRotatingLoggerWithSizeLimit(logDir, retentionWeeks, defaultMaxLogSize)
}

// NewRotatingLoggerWithSizeLimit creates a rotating logger. A maxFileSize
// of 0 disables size-based splitting.
func NewRotatingLoggerWithSizeLimit(logDir string, retentionWeeks int, maxFileSize int64) *RotatingLogger {
	return &RotatingLogger{
		logDir:      logDir,
		retention:   time.Duration(retentionWeeks) * 7 * 24 * time.Hour,
		maxFileSize: maxFileSize,
		lastCleanup: time.Now(),
		stop:        make(chan struct{}),
	}
}

// getWeekKey returns the ISO week key in YYYY-Www form.
func getWeekKey(t time.Time) string {
	year, week := t.ISOWeek()
	return fmt.Sprintf("%d-W%02d", year, week)
}

// Write appends to the current log file, rotating first when the week
// changed or the write would push the file past the size limit.
func (rl *RotatingLogger) Write(p []byte) (int, error) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	week := getWeekKey(time.Now())
	rotate := week != rl.currentWeek
	if !rotate && rl.maxFileSize > 0 && rl.currentSize.Load()+int64(len(p)) > rl.maxFileSize {
		// Pin the counter to the cap so doRotate knows this is a size
		// split, not a week change.
		rl.currentSize.Store(rl.maxFileSize)
		rotate = true
	}
	if rotate {
		if err := rl.doRotate(week); err != nil {
			return 0, err
		}
	}

	if rl.currentFile == nil {
		return 0, fmt.Errorf("log file not open")
	}

	n, err := rl.currentFile.Write(p)
	rl.currentSize.Add(int64(n))
	return n, err
}

// doRotate swaps currentFile for the right file for targetWeek. Caller
// must hold mu.
func (rl *RotatingLogger) doRotate(targetWeek string) error {
	if rl.currentFile != nil {
		if err := rl.currentFile.Close(); err != nil {
			slog.Warn("Closing log file during rotation", "error", err)
		}
		rl.currentFile = nil
	}

	splitting := rl.maxFileSize > 0 && rl.currentSize.Load() >= rl.maxFileSize
	name, fresh := rl.pickLogFile(targetWeek, splitting)

	path := filepath.Join(rl.logDir, name)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644) // #nosec G302 G304 -- path is built from the configured log dir
	if err != nil {
		return fmt.Errorf("opening log file %s: %w", path, err)
	}

	rl.currentFile = file
	rl.currentWeek = targetWeek

	if fresh {
		rl.currentSize.Store(0)
		return nil
	}
	var size int64
	if info, err := file.Stat(); err == nil {
		size = info.Size()
	}
	rl.currentSize.Store(size)
	return nil
}

// pickLogFile chooses the file for a week: the base file while it has
// room, otherwise the latest split file, otherwise the next split in
// sequence. fresh reports that the file starts empty.
func (rl *RotatingLogger) pickLogFile(week string, splitting bool) (string, bool) {
	base := logFilePrefix + week + ".log"
	if !splitting {
		info, err := os.Stat(filepath.Join(rl.logDir, base))
		if err != nil || rl.maxFileSize == 0 || info.Size() < rl.maxFileSize {
			return base, false
		}
	}

	seq, name, size := rl.latestSplit(week)
	if name != "" && size < rl.maxFileSize {
		return name, false
	}
	return fmt.Sprintf("%s%s_%02d.log", logFilePrefix, week, seq+1), true
}

// latestSplit finds the highest-numbered split file for a week and
// returns its sequence number, name and size.
func (rl *RotatingLogger) latestSplit(week string) (int, string, int64) {
	matches, _ := filepath.Glob(filepath.Join(rl.logDir, logFilePrefix+week+"_*.log"))

	var (
		best int
		name string
		size int64
	)
	for _, match := range matches {
		baseName := filepath.Base(match)
		numPart := strings.TrimSuffix(strings.TrimPrefix(baseName, logFilePrefix+week+"_"), ".log")
		num, err := strconv.Atoi(numPart)
		if err != nil || num <= best {
			continue
		}
		best = num
		name = baseName
		size = 0
		if info, statErr := os.Stat(match); statErr == nil {
			size = info.Size()
		}
	}
	return best, name, size
}

// cleanupOldLogs deletes log files whose modification time fell out of
// the retention window. Runs at most once per cleanup interval.
func (rl *RotatingLogger) cleanupOldLogs() error {
	rl.mu.Lock()
	if time.Since(rl.lastCleanup) < cleanupEvery {
		rl.mu.Unlock()
		return nil
	}
	rl.lastCleanup = time.Now()
	rl.mu.Unlock()

	entries, err := os.ReadDir(rl.logDir)
	if err != nil {
		return fmt.Errorf("reading log directory: %w", err)
	}

	cutoff := time.Now().Add(-rl.retention)
	deleted := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasPrefix(entry.Name(), logFilePrefix) || !strings.HasSuffix(entry.Name(), ".log") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(filepath.Join(rl.logDir, entry.Name())); err == nil {
				deleted++
			}
		}
	}

	if deleted > 0 {
		// Console print: logging through slog here would recurse into
		// this writer.
		fmt.Printf("Removed %d expired log files\n", deleted)
	}
	return nil
}

// startCleanup runs the retention sweep for the life of the process.
func (rl *RotatingLogger) startCleanup() {
	rl.done = make(chan struct{})
	go func() {
		defer close(rl.done)
		ticker := time.NewTicker(cleanupEvery)
		defer ticker.Stop()

		for {
			select {
			case <-rl.stop:
				return
			case <-ticker.C:
				if err := rl.cleanupOldLogs(); err != nil {
					slog.Warn("Log cleanup failed", "error", err)
				}
			}
		}
	}()
}

// Close stops the retention sweep and closes the current file.
func (rl *RotatingLogger) Close() error {
	rl.stopOnce.Do(func() { close(rl.stop) })
	if rl.done != nil {
		<-rl.done
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()
	if rl.currentFile == nil {
		return nil
	}
	err := rl.currentFile.Close()
	rl.currentFile = nil
	return err
}

// ParseLevel maps a configured log level string to a slog level.
// Unknown values fall back to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// SetupLogger configures slog with default retention, size limit and level.
func SetupLogger(logDir string) *slog.Logger {
	return SetupLoggerWithOptions(logDir, 4, defaultMaxLogSize, slog.LevelInfo)
}

// SetupLoggerWithOptions builds the application logger: text on the
// console, JSON in the rotating file. When the log directory cannot be
// used it degrades to console only.
func SetupLoggerWithOptions(logDir string, retentionWeeks int, maxFileSize int64, level slog.Level) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	console := slog.NewTextHandler(os.Stdout, opts)

	if err := os.MkdirAll(logDir, 0o755); err != nil {
		logger := slog.New(console)
		logger.Error("Failed to create the log directory", "error", err)
		return logger
	}

	rl := NewRotatingLoggerWithSizeLimit(logDir, retentionWeeks, maxFileSize)
	rl.mu.Lock()
	err := rl.doRotate(getWeekKey(time.Now()))
	rl.mu.Unlock()
	if err != nil {
		logger := slog.New(console)
		logger.Error("Failed to open the log file", "error", err)
		return logger
	}
	rl.startCleanup()

	return slog.New(&multiHandler{handlers: []slog.Handler{
		console,
		slog.NewJSONHandler(rl, opts),
	}})
}

// multiHandler fans one record out to every handler that wants it.
type multiHandler struct {
	handlers []slog.Handler
}

func (m *multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range m.handlers {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (m *multiHandler) Handle(ctx context.Context, r slog.Record) error {
	var errs []error
	for _, h := range m.handlers {
		if h.Enabled(ctx, r.Level) {
			if err := h.Handle(ctx, r.Clone()); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

func (m *multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		next[i] = h.WithAttrs(attrs)
	}
	return &multiHandler{handlers: next}
}

func (m *multiHandler) WithGroup(name string) slog.Handler {
	next := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		next[i] = h.WithGroup(name)
	}
	return &multiHandler{handlers: next}
}
