package log

import (
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

// Options controls the global logger. Zero values select console output at INFO.
type Options struct {
	Level  Level
	JSON   bool
	Output io.Writer
}

var (
	mu         sync.RWMutex
	logger     zerolog.Logger
	loggerOnce sync.Once
)

// initLogger initializes the global logger to write to stderr with timestamps.
func initLogger() {
	loggerOnce.Do(func() {
		logger = newLogger(Options{})
	})
}

func newLogger(opts Options) zerolog.Logger {
	out := opts.Output
	if out == nil {
		out = os.Stderr
	}
	if !opts.JSON {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	l := zerolog.New(out).With().Timestamp().Logger()
	return l.Level(toZerolog(opts.Level))
}

// Init replaces the global logger. Safe to call more than once.
func Init(opts Options) {
	initLogger()
	mu.Lock()
	logger = newLogger(opts)
	mu.Unlock()
}

func SetLevel(l Level) {
	initLogger()
	mu.Lock()
	logger = logger.Level(toZerolog(l))
	mu.Unlock()
}

// ParseLevel maps a case-insensitive name to a Level, defaulting to INFO.
func ParseLevel(s string) Level {
	switch Level(strings.ToUpper(strings.TrimSpace(s))) {
	case LevelDebug:
		return LevelDebug
	case LevelWarn:
		return LevelWarn
	case LevelError:
		return LevelError
	default:
		return LevelInfo
	}
}

func Debug(msg string, kv ...any) {
	current().Debug().Fields(pairs(kv)).Msg(msg)
}

func Info(msg string, kv ...any) {
	current().Info().Fields(pairs(kv)).Msg(msg)
}

func Warn(msg string, kv ...any) {
	current().Warn().Fields(pairs(kv)).Msg(msg)
}

func Error(msg string, err error, kv ...any) {
	current().Error().Err(err).Fields(pairs(kv)).Msg(msg)
}

func current() *zerolog.Logger {
	initLogger()
	mu.RLock()
	l := logger
	mu.RUnlock()
	return &l
}

func toZerolog(l Level) zerolog.Level {
	switch l {
	case LevelDebug:
		return zerolog.DebugLevel
	case LevelWarn:
		return zerolog.WarnLevel
	case LevelError:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// pairs keeps only well-formed key/value pairs: non-string keys are skipped
// and an odd trailing key is ignored.
func pairs(kv []any) map[string]any {
	if len(kv) < 2 {
		return nil
	}
	out := make(map[string]any, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			continue
		}
		out[key] = kv[i+1]
	}
	return out
}
