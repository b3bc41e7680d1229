package log

import "time"

// Field represents a structured log field with a key and value
type Field struct {
	Key   string
	Value interface{}
}

// Any creates a field for any value
func Any(key string, value interface{}) Field {
	return Field{Key: key, Value: value}
}

// Err creates an error field
func Err(err error) Field {
	if err == nil {
		return Field{Key: "error", Value: nil}
	}
	return Field{Key: "error", Value: err.Error()}
}

// Str creates a string field
func Str(key, value string) Field {
	return Field{Key: key, Value: value}
}

// Int creates an integer field
func Int(key string, value int) Field {
	return Field{Key: key, Value: value}
}

// Bool creates a boolean field
func Bool(key string, value bool) Field {
	return Field{Key: key, Value: value}
}

// Duration creates a duration field
func Duration(key string, value time.Duration) Field {
	return Field{Key: key, Value: value.String()}
}

// Component tags an entry with a component name
func Component(value string) Field {
	return Field{Key: ComponentKey, Value: value}
}

// ActionID tags an entry with the action being executed
func ActionID(value string) Field {
	return Field{Key: ActionKey, Value: value}
}

// Target tags an entry with the cluster or node an action targets
func Target(value string) Field {
	return Field{Key: TargetKey, Value: value}
}

// Worker tags an entry with the worker identity
func Worker(value string) Field {
	return Field{Key: WorkerKey, Value: value}
}
