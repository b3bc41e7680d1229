package log

import (
	"fmt"
	"strings"
	"sync"
)

// TestEntry is a captured log entry.
type TestEntry struct {
	Level   Level
	Message string
	Fields  []Field
}

// TestLogger captures entries in memory so tests can assert on them.
// Child loggers created through With share the parent's entry buffer.
type TestLogger struct {
	sink   *testSink
	fields []Field
	level  Level
}

type testSink struct {
	mu      sync.Mutex
	entries []TestEntry
}

// NewTestLogger creates a new TestLogger at debug level.
func NewTestLogger() *TestLogger {
	return &TestLogger{sink: &testSink{}, level: DebugLevel}
}

// GetEntries returns a copy of all captured entries.
func (l *TestLogger) GetEntries() []TestEntry {
	l.sink.mu.Lock()
	defer l.sink.mu.Unlock()
	out := make([]TestEntry, len(l.sink.entries))
	copy(out, l.sink.entries)
	return out
}

func (l *TestLogger) Debug(msg string, fields ...Field) { l.log(DebugLevel, msg, fields) }
func (l *TestLogger) Info(msg string, fields ...Field)  { l.log(InfoLevel, msg, fields) }
func (l *TestLogger) Warn(msg string, fields ...Field)  { l.log(WarnLevel, msg, fields) }
func (l *TestLogger) Error(msg string, fields ...Field) { l.log(ErrorLevel, msg, fields) }

func (l *TestLogger) log(level Level, msg string, fields []Field) {
	if level < l.level {
		return
	}
	all := make([]Field, 0, len(l.fields)+len(fields))
	all = append(all, l.fields...)
	all = append(all, fields...)

	l.sink.mu.Lock()
	defer l.sink.mu.Unlock()
	l.sink.entries = append(l.sink.entries, TestEntry{Level: level, Message: msg, Fields: all})
}

// With returns a child logger sharing the captured entries.
func (l *TestLogger) With(fields ...Field) Logger {
	child := &TestLogger{sink: l.sink, level: l.level}
	child.fields = append(append(child.fields, l.fields...), fields...)
	return child
}

// WithError returns a child logger with an error field.
func (l *TestLogger) WithError(err error) Logger {
	return l.With(Err(err))
}

// WithComponent returns a child logger with a component field.
func (l *TestLogger) WithComponent(component string) Logger {
	return l.With(Component(component))
}

// SetLevel sets the minimum captured level.
func (l *TestLogger) SetLevel(level Level) { l.level = level }

// GetLevel returns the minimum captured level.
func (l *TestLogger) GetLevel() Level { return l.level }

// AssertLogged reports whether an entry at level containing msg was captured.
func (l *TestLogger) AssertLogged(level Level, msg string) bool {
	for _, e := range l.GetEntries() {
		if e.Level == level && strings.Contains(e.Message, msg) {
			return true
		}
	}
	return false
}

// AssertLoggedWithField is AssertLogged that also matches a field value.
func (l *TestLogger) AssertLoggedWithField(level Level, msg, key string, value interface{}) bool {
	want := fmt.Sprintf("%v", value)
	for _, e := range l.GetEntries() {
		if e.Level != level || !strings.Contains(e.Message, msg) {
			continue
		}
		for _, f := range e.Fields {
			if f.Key == key && fmt.Sprintf("%v", f.Value) == want {
				return true
			}
		}
	}
	return false
}
