package logger

import (
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
)

const (
	permission = 0664
)

// Logger is the structured logger accepted across the module.
// args are alternating key/value pairs.
type Logger interface {
	Error(msg string, args ...any)
	Warn(msg string, args ...any)
	Info(msg string, args ...any)
	Debug(msg string, args ...any)
}

type LogBuild struct {
	writer     io.Writer
	path       string
	level      zerolog.Level
	LogChannel chan string
}

type LogData struct {
	writer     io.Writer
	LogFile    *os.File
	Logger     zerolog.Logger
	LogChannel chan string
}

var _ Logger = (*LogData)(nil)

func New() *LogBuild {
	return &LogBuild{level: zerolog.InfoLevel}
}

func (build *LogBuild) FromPath(path string) *LogBuild {
	build.path = path
	return build
}

func (build *LogBuild) FromBuffer(w io.Writer) *LogBuild {
	build.writer = w
	return build
}

// FromChannel mirrors every error message into chn.
// Sends never block; messages are dropped when chn is full.
func (build *LogBuild) FromChannel(chn chan string) *LogBuild {
	build.LogChannel = chn
	return build
}

func (build *LogBuild) WithLevel(level zerolog.Level) *LogBuild {
	build.level = level
	return build
}

// WithLevelString parses level names such as "debug" or "warn".
func (build *LogBuild) WithLevelString(level string) (*LogBuild, error) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return build, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	build.level = lvl
	return build, nil
}

func (build *LogBuild) Make() (logData *LogData, err error) {
	logData = new(LogData)
	logData.writer = os.Stderr
	if build.writer != nil {
		logData.writer = build.writer
	}
	logData.LogChannel = build.LogChannel
	if build.path != "" {
		logData.LogFile, err = os.OpenFile(build.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, permission)
		if err != nil {
			return nil, err
		}
		logData.writer = zerolog.SyncWriter(logData.LogFile)
	}
	logData.Logger = zerolog.New(logData.writer).Level(build.level).With().Timestamp().Logger()
	return
}

// With returns a copy whose entries carry the given key/value pairs.
func (logData *LogData) With(args ...any) *LogData {
	child := *logData
	child.Logger = logData.Logger.With().Fields(args).Logger()
	return &child
}

func (logData *LogData) Error(msg string, args ...any) {
	logData.Logger.Error().Fields(args).Msg(msg)
	if logData.LogChannel != nil {
		select {
		case logData.LogChannel <- msg:
		default:
		}
	}
}

func (logData *LogData) Warn(msg string, args ...any) {
	logData.Logger.Warn().Fields(args).Msg(msg)
}

func (logData *LogData) Info(msg string, args ...any) {
	logData.Logger.Info().Fields(args).Msg(msg)
}

func (logData *LogData) Debug(msg string, args ...any) {
	logData.Logger.Debug().Fields(args).Msg(msg)
}

// Close releases the log file opened by FromPath, if any.
func (logData *LogData) Close() error {
	if logData.LogFile == nil {
		return nil
	}
	return logData.LogFile.Close()
}

// With attaches key/value pairs to every entry written through l.
func With(l Logger, args ...any) Logger {
	switch l := l.(type) {
	case nil:
		return Nop()
	case nop:
		return l
	case *LogData:
		return l.With(args...)
	default:
		return fields{next: l, args: args}
	}
}

type fields struct {
	next Logger
	args []any
}

func (f fields) merge(args []any) []any {
	out := make([]any, 0, len(f.args)+len(args))
	out = append(out, f.args...)
	return append(out, args...)
}

func (f fields) Error(msg string, args ...any) { f.next.Error(msg, f.merge(args)...) }
func (f fields) Warn(msg string, args ...any)  { f.next.Warn(msg, f.merge(args)...) }
func (f fields) Info(msg string, args ...any)  { f.next.Info(msg, f.merge(args)...) }
func (f fields) Debug(msg string, args ...any) { f.next.Debug(msg, f.merge(args)...) }

type nop struct{}

func (nop) Error(string, ...any) {}
func (nop) Warn(string, ...any)  {}
func (nop) Info(string, ...any)  {}
func (nop) Debug(string, ...any) {}

// Nop returns a Logger that discards everything.
func Nop() Logger {
	return nop{}
}
