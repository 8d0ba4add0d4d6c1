package camera

// Logger is what the camera package needs from the daemon's logger.
// Kept as an interface so this package never imports main.
type Logger interface {
	Printf(format string, v ...interface{})
	Debugf(format string, v ...interface{})
	Fatalf(format string, v ...interface{})
}

type discardLogger struct{}

func (discardLogger) Printf(string, ...interface{}) {}
func (discardLogger) Debugf(string, ...interface{}) {}
func (discardLogger) Fatalf(string, ...interface{}) {}

func orDiscard(l Logger) Logger {
	if l == nil {
		return discardLogger{}
	}
	return l
}
