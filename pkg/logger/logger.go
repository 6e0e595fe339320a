package logger

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logfmt/logfmt"
)

type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
	LevelFatal
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "debug"
	case LevelInfo:
		return "info"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	default:
		return "fatal"
	}
}

// ParseLevel maps a configured level name to a Level. Unknown names fall back to info.
func ParseLevel(name string) Level {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	case "fatal":
		return LevelFatal
	default:
		return LevelInfo
	}
}

// sink is shared between a logger and the children returned by With, so
// records never interleave and errors are counted once per process.
type sink struct {
	encoder *logfmt.Encoder
	mu      sync.Mutex
	level   atomic.Int32
	errors  atomic.Int64
}

type Logger struct {
	sink   *sink
	fields []any
}

func New(output io.Writer) *Logger {
	if output == nil {
		output = os.Stdout
	}
	s := &sink{encoder: logfmt.NewEncoder(output)}
	s.level.Store(int32(LevelInfo))
	return &Logger{sink: s}
}

func NewDefault() *Logger {
	return New(os.Stdout)
}

// With returns a logger that writes the given fields on every record.
func (l *Logger) With(fields map[string]any) *Logger {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	kv := make([]any, 0, len(l.fields)+2*len(keys))
	kv = append(kv, l.fields...)
	for _, k := range keys {
		kv = append(kv, k, fields[k])
	}
	return &Logger{sink: l.sink, fields: kv}
}

func (l *Logger) SetLevel(name string) {
	l.sink.level.Store(int32(ParseLevel(name)))
}

func (l *Logger) Enabled(level Level) bool {
	return level >= Level(l.sink.level.Load())
}

// ErrorCount reports how many error records were logged since creation.
func (l *Logger) ErrorCount() int {
	return int(l.sink.errors.Load())
}

func (l *Logger) log(level Level, msg string, fields map[string]any) {
	if !l.Enabled(level) {
		return
	}

	l.sink.mu.Lock()
	defer l.sink.mu.Unlock()

	enc := l.sink.encoder
	_ = enc.EncodeKeyval("time", time.Now().Format(time.RFC3339))
	_ = enc.EncodeKeyval("level", level.String())
	_ = enc.EncodeKeyval("msg", msg)

	for i := 0; i+1 < len(l.fields); i += 2 {
		_ = enc.EncodeKeyval(l.fields[i], l.fields[i+1])
	}
	for k, v := range fields {
		_ = enc.EncodeKeyval(k, v)
	}

	_ = enc.EndRecord()
}

func (l *Logger) Debug(msg string, fields map[string]any) {
	l.log(LevelDebug, msg, fields)
}

func (l *Logger) Info(msg string, fields map[string]any) {
	l.log(LevelInfo, msg, fields)
}

func (l *Logger) Error(msg string, err error, fields map[string]any) {
	l.sink.errors.Add(1)
	if fields == nil {
		fields = make(map[string]any)
	}
	if err != nil {
		fields["error"] = err.Error()
	}
	l.log(LevelError, msg, fields)
}

func (l *Logger) Warn(msg string, fields map[string]any) {
	l.log(LevelWarn, msg, fields)
}

func (l *Logger) Fatal(msg string, fields map[string]any) {
	l.log(LevelFatal, msg, fields)
	os.Exit(1)
}

var defaultLogger = NewDefault()

// Default returns the process-wide logger used by the command entry points.
func Default() *Logger {
	return defaultLogger
}

func Debug(msg string, fields map[string]any) {
	defaultLogger.Debug(msg, fields)
}

func Info(msg string, fields map[string]any) {
	defaultLogger.Info(msg, fields)
}

func Error(msg string, err error, fields map[string]any) {
	defaultLogger.Error(msg, err, fields)
}

func Warn(msg string, fields map[string]any) {
	defaultLogger.Warn(msg, fields)
}

func Fatal(msg string, fields map[string]any) {
	defaultLogger.Fatal(msg, fields)
}

func Printf(format string, args ...any) {
	defaultLogger.Info(fmt.Sprintf(format, args...), nil)
}

func Fatalf(format string, args ...any) {
	defaultLogger.Fatal(fmt.Sprintf(format, args...), nil)
}
