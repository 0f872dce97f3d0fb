package logging

import (
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Logger interface {
	Debug(msg string, kv ...any)
	Info(msg string, kv ...any)
	Error(msg string, kv ...any)
	Fatal(msg string, kv ...any)
}

// Entry is a log line kept in memory for /api/v1/logs.
type Entry struct {
	Time   time.Time      `json:"time"`
	Level  string         `json:"level"`
	Msg    string         `json:"msg"`
	Fields map[string]any `json:"fields,omitempty"`
}

type zapLogger struct {
	s *zap.SugaredLogger
}

var (
	// global log level (debug|info|error|fatal), shared by every logger
	level = zap.NewAtomicLevelAt(zapcore.InfoLevel)

	bufMu   sync.RWMutex
	recent  = make([]*Entry, 1000)
	nextIdx = 0
	// live subscribers for streaming
	subMu       sync.RWMutex
	subscribers = map[chan *Entry]struct{}{}
)

// New creates a logger; honors env vars LOG_LEVEL (debug|info|error|fatal), LOG_JSON (true|false).
func New(env string) Logger {
	lvl := os.Getenv("LOG_LEVEL")
	if lvl == "" {
		lvl = "info"
	}
	SetLevel(lvl)

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "time"
	encCfg.MessageKey = "msg"
	encCfg.EncodeTime = zapcore.RFC3339TimeEncoder
	var enc zapcore.Encoder
	if os.Getenv("LOG_JSON") == "false" {
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		enc = zapcore.NewConsoleEncoder(encCfg)
	} else {
		enc = zapcore.NewJSONEncoder(encCfg)
	}
	core := zapcore.NewTee(
		zapcore.NewCore(enc, zapcore.Lock(os.Stderr), level),
		&ringCore{LevelEnabler: level},
	)
	z := zap.New(core)
	if env != "" {
		z = z.With(zap.String("env", env))
	}
	return &zapLogger{s: z.Sugar()}
}

// NewNop discards everything.
func NewNop() Logger { return &zapLogger{s: zap.NewNop().Sugar()} }

func (l *zapLogger) Debug(msg string, kv ...any) { l.s.Debugw(msg, kv...) }
func (l *zapLogger) Info(msg string, kv ...any)  { l.s.Infow(msg, kv...) }
func (l *zapLogger) Error(msg string, kv ...any) { l.s.Errorw(msg, kv...) }
func (l *zapLogger) Fatal(msg string, kv ...any) { l.s.Fatalw(msg, kv...) }

// Level control
func SetLevel(lvl string) {
	switch strings.ToLower(strings.TrimSpace(lvl)) {
	case "debug":
		level.SetLevel(zapcore.DebugLevel)
	case "error":
		level.SetLevel(zapcore.ErrorLevel)
	case "fatal":
		level.SetLevel(zapcore.FatalLevel)
	default:
		level.SetLevel(zapcore.InfoLevel)
	}
}

func GetLevel() string { return level.Level().String() }

// ringCore keeps every enabled entry in the in-memory buffer and fans it out
// to subscribers.
type ringCore struct {
	zapcore.LevelEnabler
	fields []zapcore.Field
}

func (c *ringCore) With(fs []zapcore.Field) zapcore.Core {
	return &ringCore{LevelEnabler: c.LevelEnabler, fields: append(slices.Clone(c.fields), fs...)}
}

func (c *ringCore) Check(e zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(e.Level) {
		return ce.AddCore(e, c)
	}
	return ce
}

func (c *ringCore) Write(e zapcore.Entry, fs []zapcore.Field) error {
	enc := zapcore.NewMapObjectEncoder()
	for _, f := range c.fields {
		f.AddTo(enc)
	}
	for _, f := range fs {
		f.AddTo(enc)
	}
	out := &Entry{Time: e.Time, Level: e.Level.String(), Msg: e.Message}
	if len(enc.Fields) > 0 {
		out.Fields = enc.Fields
	}
	appendBuf(out)
	return nil
}

func (c *ringCore) Sync() error { return nil }

func broadcast(e *Entry) {
	subMu.RLock()
	defer subMu.RUnlock()
	for ch := range subscribers {
		select {
		case ch <- e:
		default: // drop if slow
		}
	}
}

func appendBuf(e *Entry) {
	bufMu.Lock()
	recent[nextIdx] = e
	nextIdx = (nextIdx + 1) % len(recent)
	bufMu.Unlock()
	broadcast(e)
}

// Recent returns up to n most recent log entries (newest-first).
func Recent(n int) []*Entry {
	bufMu.RLock()
	defer bufMu.RUnlock()
	if n <= 0 || n > len(recent) {
		n = len(recent)
	}
	out := make([]*Entry, 0, n)
	i := (nextIdx - 1 + len(recent)) % len(recent)
	for c := 0; c < len(recent) && len(out) < n; c++ {
		if recent[i] != nil {
			out = append(out, recent[i])
		}
		i = (i - 1 + len(recent)) % len(recent)
	}
	return out
}

// Subscribe returns a channel that will receive new log entries. Call the returned cancel func to unsubscribe.
func Subscribe() (<-chan *Entry, func()) {
	ch := make(chan *Entry, 100)
	subMu.Lock()
	subscribers[ch] = struct{}{}
	subMu.Unlock()
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			subMu.Lock()
			delete(subscribers, ch)
			close(ch)
			subMu.Unlock()
		})
	}
	return ch, cancel
}
