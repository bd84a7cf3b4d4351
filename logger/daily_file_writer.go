package logger

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"
)

const dateLayout = "2006-01-02"

// DailyFileWriter is an io.Writer appending to {service}_{date}.log inside a
// directory. The first write of a new day switches to a new file. Safe for
// concurrent use.
type DailyFileWriter struct {
	service  string
	dir      string
	now      func() time.Time
	mu       sync.Mutex
	file     *os.File
	currDate string
	closed   atomic.Bool
}

// NewDailyFileWriter opens today's log file in logDir. The directory must
// exist.
//
// Parameters:
//   - service: Service name used in log file names
//   - logDir: Directory path for log files
//
// Returns:
//   - The new DailyFileWriter, or an error if the file could not be opened
func NewDailyFileWriter(service string, logDir string) (*DailyFileWriter, error) {
	w := &DailyFileWriter{
		service: service,
		dir:     logDir,
		now:     time.Now,
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.openLocked(w.now().Format(dateLayout)); err != nil {
		return nil, fmt.Errorf("initial rotation failed: %w", err)
	}

	return w, nil
}

// Write implements io.Writer, rotating first when the date has changed.
func (w *DailyFileWriter) Write(p []byte) (int, error) {
	if w.closed.Load() {
		return 0, fmt.Errorf("writer is closed")
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if date := w.now().Format(dateLayout); date != w.currDate || w.file == nil {
		if err := w.openLocked(date); err != nil {
			return 0, fmt.Errorf("rotation failed: %w", err)
		}
	}

	return w.file.Write(p)
}

// ForceRotate reopens the file for the current date, e.g. after an external
// tool moved the old one away.
func (w *DailyFileWriter) ForceRotate() error {
	if w.closed.Load() {
		return fmt.Errorf("writer is closed")
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	return w.openLocked(w.now().Format(dateLayout))
}

// CurrentLogFile returns the path being written to, or "" once closed.
func (w *DailyFileWriter) CurrentLogFile() string {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return ""
	}

	return w.path(w.currDate)
}

// Close closes the current file. Later writes fail. Idempotent.
func (w *DailyFileWriter) Close() error {
	if !w.closed.CompareAndSwap(false, true) {
		return nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return nil
	}

	err := w.file.Close()
	w.file = nil
	return err
}

func (w *DailyFileWriter) path(date string) string {
	return filepath.Join(w.dir, fmt.Sprintf("%s_%s.log", w.service, date))
}

// openLocked switches to the file for date; caller must hold w.mu.
func (w *DailyFileWriter) openLocked(date string) error {
	file, err := os.OpenFile(w.path(date), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}

	if w.file != nil {
		_ = w.file.Close()
	}

	w.file = file
	w.currDate = date
	return nil
}
