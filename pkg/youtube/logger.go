package youtube

// Logger is the interface that the SDK uses for logging. It matches
// internal/logger.Logger so the application logger can be passed straight in.
type Logger interface {
	Debug(msg string, args ...any)
	Debugf(format string, args ...any)
	Info(msg string, args ...any)
	Infof(format string, args ...any)
	Warn(msg string, args ...any)
	Warnf(format string, args ...any)
	Error(msg string, args ...any)
	Errorf(format string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any)  {}
func (noopLogger) Debugf(string, ...any) {}
func (noopLogger) Info(string, ...any)   {}
func (noopLogger) Infof(string, ...any)  {}
func (noopLogger) Warn(string, ...any)   {}
func (noopLogger) Warnf(string, ...any)  {}
func (noopLogger) Error(string, ...any)  {}
func (noopLogger) Errorf(string, ...any) {}

func orNoop(l Logger) Logger {
	if l == nil {
		return noopLogger{}
	}
	return l
}
