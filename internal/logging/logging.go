// Package logging provides the engine's append-only log sink: lines
// are either written synchronously under a mutex or enqueued to a
// background drain goroutine, with daily and line-count rotation.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/kfcemployee/goserver/internal/syncutil"
)

// Level identifies a log line's severity.
type Level int

const (
	Debug Level = iota
	Info
	Warn
	Error
)

func (l Level) String() string {
	switch l {
	case Debug:
		return "DEBUG"
	case Info:
		return "INFO"
	case Warn:
		return "WARN"
	case Error:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Logger is the process-wide append-only log sink. Constructed
// explicitly once at startup and handed into the dispatcher's context;
// never reached via a package-level singleton.
type Logger struct {
	mu   sync.Mutex
	fp   *os.File
	dir  string
	base string

	splitLines int
	count      int64
	today      int

	disabled bool
	async    bool
	queue    *syncutil.Queue[string]
	done     chan struct{}
}

// Options configures Logger construction.
type Options struct {
	FilePath   string // e.g. "./logs/server.log"
	Disabled   bool
	Async      bool
	SplitLines int // rotate to a new file after this many lines; 0 disables
	QueueSize  int // async queue capacity; ignored unless Async
}

// New opens (creating directories as needed) the log file described by
// opts and starts the async drain goroutine if opts.Async is set.
func New(opts Options) (*Logger, error) {
	l := &Logger{
		disabled:   opts.Disabled,
		async:      opts.Async,
		splitLines: opts.SplitLines,
	}
	if l.disabled {
		return l, nil
	}

	dir := filepath.Dir(opts.FilePath)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("logging: mkdir %s: %w", dir, err)
		}
	}
	l.dir = dir
	l.base = filepath.Base(opts.FilePath)

	now := time.Now()
	l.today = now.Day()

	fp, err := os.OpenFile(l.pathForToday(now, 0), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("logging: open %s: %w", opts.FilePath, err)
	}
	l.fp = fp

	if l.async {
		qs := opts.QueueSize
		if qs <= 0 {
			qs = 1 << 16
		}
		l.queue = syncutil.NewQueue[string](qs)
		l.done = make(chan struct{})
		go l.drain()
	}

	return l, nil
}

func (l *Logger) pathForToday(now time.Time, rotation int) string {
	stamp := now.Format("2006_01_02")
	if rotation > 0 {
		return filepath.Join(l.dir, fmt.Sprintf("%s_%s_%d.log", l.base, stamp, rotation))
	}
	return filepath.Join(l.dir, fmt.Sprintf("%s_%s.log", l.base, stamp))
}

// drain is the async log thread: it pops finished lines off the queue
// and writes them under the log mutex, keeping the formatting (done by
// the caller, outside the mutex) off the critical section.
func (l *Logger) drain() {
	for {
		line, ok := l.queue.PopUntil(time.Now().Add(time.Second))
		if !ok {
			select {
			case <-l.done:
				return
			default:
				continue
			}
		}
		l.writeLocked(line)
	}
}

// Write emits one formatted log line at the given level.
func (l *Logger) Write(level Level, format string, args ...any) {
	if l.disabled {
		return
	}
	line := fmt.Sprintf("%s [%s] %s\n", time.Now().Format("2006-01-02 15:04:05.000000"), level, fmt.Sprintf(format, args...))

	if l.async {
		if !l.queue.Push(line) {
			// queue full: degrade to synchronous write rather than drop the line.
			l.writeLocked(line)
		}
		return
	}
	l.writeLocked(line)
}

func (l *Logger) writeLocked(line string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.rotateIfNeededLocked()
	l.fp.WriteString(line)
	l.count++
}

// rotateIfNeededLocked must be called with mu held. Rotates on a new
// calendar day, or after splitLines lines have been written, appending
// an incrementing rotation suffix within the same day.
func (l *Logger) rotateIfNeededLocked() {
	now := time.Now()
	needsRotate := false
	rotation := 0

	if now.Day() != l.today {
		needsRotate = true
		l.today = now.Day()
		l.count = 0
	} else if l.splitLines > 0 && l.count != 0 && int(l.count)%l.splitLines == 0 {
		needsRotate = true
		rotation = int(l.count) / l.splitLines
	}

	if !needsRotate {
		return
	}

	l.fp.Close()
	fp, err := os.OpenFile(l.pathForToday(now, rotation), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		// fall back to stderr rather than panic from inside the log path.
		l.fp = os.Stderr
		return
	}
	l.fp = fp
}

// Flush is a no-op placeholder for parity with the reference sink's
// explicit flush call; os.File writes are unbuffered by this logger.
func (l *Logger) Flush() {}

// Debugf/Infof/Warnf/Errorf are convenience wrappers over Write.
func (l *Logger) Debugf(format string, args ...any) { l.Write(Debug, format, args...) }
func (l *Logger) Infof(format string, args ...any)  { l.Write(Info, format, args...) }
func (l *Logger) Warnf(format string, args ...any)  { l.Write(Warn, format, args...) }
func (l *Logger) Errorf(format string, args ...any) { l.Write(Error, format, args...) }

// Close stops the async drain goroutine (if any) and closes the file.
func (l *Logger) Close() error {
	if l.disabled {
		return nil
	}
	if l.async {
		close(l.done)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fp != nil {
		return l.fp.Close()
	}
	return nil
}
