package logging

import "github.com/rs/zerolog"

// DispatcherLogger lets a dispatcher log through zerolog. Key-value pairs
// become fields; a trailing key without value is dropped.
type DispatcherLogger struct {
	logger zerolog.Logger
}

// NewDispatcherLogger wraps logger.
func NewDispatcherLogger(logger zerolog.Logger) *DispatcherLogger {
	return &DispatcherLogger{logger: logger}
}

func (l *DispatcherLogger) Debug(msg string, kv ...any) { l.log(l.logger.Debug(), msg, kv) }
func (l *DispatcherLogger) Info(msg string, kv ...any)  { l.log(l.logger.Info(), msg, kv) }
func (l *DispatcherLogger) Error(msg string, kv ...any) { l.log(l.logger.Error(), msg, kv) }

func (l *DispatcherLogger) log(e *zerolog.Event, msg string, kv []any) {
	if e == nil {
		return
	}
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			continue
		}
		if err, ok := kv[i+1].(error); ok {
			e = e.AnErr(key, err)
		} else {
			e = e.Interface(key, kv[i+1])
		}
	}
	e.Msg(msg)
}
