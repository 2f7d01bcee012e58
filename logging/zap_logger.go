package logging

import "go.uber.org/zap"

type zapLogger struct {
	s *zap.SugaredLogger
}

func (l zapLogger) Debugf(msg string, args ...interface{})          { l.s.Debugf(msg, args...) }
func (l zapLogger) Debugw(msg string, keyValuePairs ...interface{}) { l.s.Debugw(msg, keyValuePairs...) }
func (l zapLogger) Infof(msg string, args ...interface{})           { l.s.Infof(msg, args...) }
func (l zapLogger) Warnf(msg string, args ...interface{})           { l.s.Warnf(msg, args...) }
func (l zapLogger) Errorf(msg string, args ...interface{})          { l.s.Errorf(msg, args...) }

// Zap returns a LoggerFactory that produces named loggers backed by the
// provided zap logger.
func Zap(base *zap.Logger) LoggerFactory {
	return func(module string) Logger {
		return zapLogger{base.Named(module).Sugar()}
	}
}
