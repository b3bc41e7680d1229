package log

import (
	"io"
	"os"
	"sync"
)

// ConsoleOutput writes log entries to stdout, and errors to stderr.
type ConsoleOutput struct {
	mu     sync.Mutex
	writer io.Writer
	errors io.Writer
}

// ConsoleOutputOption configures a ConsoleOutput.
type ConsoleOutputOption func(*ConsoleOutput)

// WithWriter redirects every level to w.
func WithWriter(w io.Writer) ConsoleOutputOption {
	return func(o *ConsoleOutput) {
		o.writer = w
		o.errors = w
	}
}

// NewConsoleOutput creates a console output.
func NewConsoleOutput(options ...ConsoleOutputOption) *ConsoleOutput {
	o := &ConsoleOutput{writer: os.Stdout, errors: os.Stderr}
	for _, option := range options {
		option(o)
	}
	return o
}

// Write writes the formatted entry.
func (o *ConsoleOutput) Write(entry *Entry, formatted []byte) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	w := o.writer
	if entry.Level >= ErrorLevel {
		w = o.errors
	}
	_, err := w.Write(formatted)
	return err
}

// Close does nothing for console output.
func (o *ConsoleOutput) Close() error {
	return nil
}

// NullOutput discards every entry.
type NullOutput struct{}

// NewNullOutput creates a NullOutput.
func NewNullOutput() *NullOutput {
	return &NullOutput{}
}

// Write discards the entry.
func (o *NullOutput) Write(*Entry, []byte) error {
	return nil
}

// Close does nothing.
func (o *NullOutput) Close() error {
	return nil
}
