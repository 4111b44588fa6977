package logx

import (
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/rs/zerolog"
)

const timeLayout = "2006-01-02T15:04:05.000Z07:00"

func init() {
	zerolog.ErrorFieldName = "err"
	zerolog.TimeFieldFormat = timeLayout
}

// Logger is cheap to copy. The zero value discards everything and reports
// IsZero, which constructors use to substitute a default.
type Logger struct {
	sink   *atomic.Pointer[zerolog.Logger]
	fields []Field
}

var discard = fixed(zerolog.Nop())

func fixed(zl zerolog.Logger) *atomic.Pointer[zerolog.Logger] {
	p := new(atomic.Pointer[zerolog.Logger])
	p.Store(&zl)
	return p
}

// Nop returns a logger that writes nothing.
func Nop() Logger { return Logger{sink: discard} }

// NewConsole builds a stdout logger for use before config is loaded.
func NewConsole(level string) Logger {
	return Logger{sink: fixed(build([]io.Writer{console(os.Stdout)}, levelOf(level, zerolog.InfoLevel)))}
}

func (l Logger) IsZero() bool { return l.sink == nil && len(l.fields) == 0 }

// With returns a copy that stamps fields on every event.
func (l Logger) With(fields ...Field) Logger {
	if len(fields) == 0 {
		return l
	}
	out := l
	out.fields = make([]Field, 0, len(l.fields)+len(fields))
	out.fields = append(append(out.fields, l.fields...), fields...)
	return out
}

func (l Logger) Debug(msg string, fields ...Field) { l.emit(zerolog.DebugLevel, msg, fields) }
func (l Logger) Info(msg string, fields ...Field)  { l.emit(zerolog.InfoLevel, msg, fields) }
func (l Logger) Warn(msg string, fields ...Field)  { l.emit(zerolog.WarnLevel, msg, fields) }
func (l Logger) Error(msg string, fields ...Field) { l.emit(zerolog.ErrorLevel, msg, fields) }

func (l Logger) emit(level zerolog.Level, msg string, fields []Field) {
	if l.sink == nil {
		return
	}
	e := l.sink.Load().WithLevel(level)
	if e == nil {
		return
	}
	// Frames: runtime.Caller <- emit <- Info and friends <- call site.
	if _, file, line, ok := runtime.Caller(2); ok {
		e.Str(zerolog.CallerFieldName, filepath.Base(file)+":"+strconv.Itoa(line))
	}
	for _, group := range [][]Field{l.fields, fields} {
		for _, f := range group {
			if f != nil {
				f(e)
			}
		}
	}
	e.Msg(msg)
}

func build(writers []io.Writer, level zerolog.Level) zerolog.Logger {
	var w io.Writer
	if len(writers) == 1 {
		w = writers[0]
	} else {
		w = zerolog.MultiLevelWriter(writers...)
	}
	return zerolog.New(w).Level(level).With().Timestamp().Logger()
}

func console(w io.Writer) io.Writer {
	return zerolog.ConsoleWriter{Out: w, TimeFormat: timeLayout}
}

// levelOf accepts zerolog level names in any case plus "warning".
func levelOf(s string, def zerolog.Level) zerolog.Level {
	name := strings.ToLower(strings.TrimSpace(s))
	switch name {
	case "":
		return def
	case "warning":
		name = "warn"
	}
	lvl, err := zerolog.ParseLevel(name)
	if err != nil {
		return def
	}
	return lvl
}
