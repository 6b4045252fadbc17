// Package logging is the structured logger shared by every component. Events
// go to the terminal (plain or styled), an optional JSONL file and any
// in-process subscribers.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

type Event struct {
	Time    time.Time
	Level   slog.Level
	Message string
	Fields  map[string]any
}

// core is the state shared by a logger and every child made with With.
type core struct {
	debug    atomic.Bool
	terminal atomic.Bool
	pretty   bool
	out      io.Writer
	outMu    sync.Mutex

	mu          sync.RWMutex
	sink        *fileSink
	nextID      int
	subscribers map[int]func(Event)
}

type Logger struct {
	core *core
	base []slog.Attr
}

func New(debug bool) *Logger {
	c := &core{
		pretty:      shouldPrettyPrint(),
		out:         os.Stderr,
		subscribers: map[int]func(Event){},
	}
	c.debug.Store(debug)
	c.terminal.Store(true)
	return &Logger{core: c}
}

func Field(key string, value any) slog.Attr {
	return slog.Any(key, value)
}

// With returns a child logger that prepends fields to every event.
func (l *Logger) With(fields ...slog.Attr) *Logger {
	if l == nil {
		return nil
	}
	base := make([]slog.Attr, 0, len(l.base)+len(fields))
	base = append(base, l.base...)
	base = append(base, fields...)
	return &Logger{core: l.core, base: base}
}

func (l *Logger) SetDebugEnabled(enabled bool) {
	if l != nil {
		l.core.debug.Store(enabled)
	}
}

func (l *Logger) SetTerminalOutputEnabled(enabled bool) {
	if l != nil {
		l.core.terminal.Store(enabled)
	}
}

// EnableFilePersistence starts writing every event, debug included, to
// rotating JSONL files. A previous sink is closed.
func (l *Logger) EnableFilePersistence(opts FileOptions) error {
	if l == nil {
		return nil
	}
	sink, err := newFileSink(opts)
	if err != nil {
		return err
	}
	old := l.core.swapSink(sink)
	if old != nil {
		_ = old.Close()
	}
	return nil
}

func (l *Logger) Close() error {
	if l == nil {
		return nil
	}
	if sink := l.core.swapSink(nil); sink != nil {
		return sink.Close()
	}
	return nil
}

func (c *core) swapSink(next *fileSink) *fileSink {
	c.mu.Lock()
	defer c.mu.Unlock()
	old := c.sink
	c.sink = next
	return old
}

func (l *Logger) Debugf(format string, args ...any) {
	l.Debug(fmt.Sprintf(format, args...))
}

func (l *Logger) Debug(msg string, fields ...slog.Attr) { l.log(slog.LevelDebug, msg, fields) }
func (l *Logger) Info(msg string, fields ...slog.Attr)  { l.log(slog.LevelInfo, msg, fields) }
func (l *Logger) Warn(msg string, fields ...slog.Attr)  { l.log(slog.LevelWarn, msg, fields) }
func (l *Logger) Error(msg string, fields ...slog.Attr) { l.log(slog.LevelError, msg, fields) }

// Subscribe registers fn for every event that is not suppressed debug
// output. The returned func unregisters it.
func (l *Logger) Subscribe(fn func(Event)) func() {
	if l == nil {
		panic("logging.Logger.Subscribe: logger must not be nil")
	}
	if fn == nil {
		panic("logging.Logger.Subscribe: callback must not be nil")
	}
	c := l.core
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.subscribers[id] = fn
	c.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.subscribers, id)
			c.mu.Unlock()
		})
	}
}

func (l *Logger) log(level slog.Level, msg string, fields []slog.Attr) {
	if l == nil {
		return
	}
	attrs := fields
	if len(l.base) > 0 {
		attrs = make([]slog.Attr, 0, len(l.base)+len(fields))
		attrs = append(attrs, l.base...)
		attrs = append(attrs, fields...)
	}
	event := Event{Time: time.Now(), Level: level, Message: msg, Fields: attrsToMap(attrs)}
	l.core.dispatch(event)
}

// dispatch writes event to the file sink unconditionally; terminal and
// subscribers only see debug events while debug output is on.
func (c *core) dispatch(event Event) {
	c.mu.RLock()
	sink := c.sink
	var callbacks []func(Event)
	visible := event.Level > slog.LevelDebug || c.debug.Load()
	if visible {
		callbacks = make([]func(Event), 0, len(c.subscribers))
		for _, cb := range c.subscribers {
			callbacks = append(callbacks, cb)
		}
	}
	c.mu.RUnlock()

	if sink != nil {
		_ = sink.WriteEvent(event)
	}
	if !visible {
		return
	}
	if c.terminal.Load() {
		c.writeTerminal(event)
	}
	for _, cb := range callbacks {
		cb(event)
	}
}

func (c *core) writeTerminal(event Event) {
	line := FormatEventLine(event)
	if c.pretty {
		line = formatEventPretty(event)
	}
	c.outMu.Lock()
	_, _ = io.WriteString(c.out, line)
	c.outMu.Unlock()
}
