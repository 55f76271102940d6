package log

import (
	"fmt"
	"io"
)

type LoggerType int

const (
	StreamId LoggerType = iota
	VpsId
	CommandId
)

func (l LoggerType) String() string {
	switch l {
	case StreamId:
		return "streamId"
	case VpsId:
		return "vpsId"
	case CommandId:
		return "commandId"
	}
	return ""
}

// Logger prefixes every line with the entity it is scoped to.
type Logger struct {
	id         string
	loggerType LoggerType
}

func NewLogger(id interface{}, loggerType LoggerType) *Logger {
	return &Logger{
		id:         fmt.Sprint(id),
		loggerType: loggerType,
	}
}

func (s *Logger) SetOutput(o io.Writer) {
	SetOutput(o)
}

func (s *Logger) prefix() string {
	return fmt.Sprintf("[%s: %s]", s.loggerType, s.id)
}

func (s *Logger) Fields() Fields {
	return Fields{s.loggerType.String(): s.id}
}

func (s *Logger) Debug(args ...interface{}) {
	Debug(s.prefix(), " ", fmt.Sprint(args...))
}

func (s *Logger) Info(args ...interface{}) {
	Info(s.prefix(), " ", fmt.Sprint(args...))
}

func (s *Logger) Warn(args ...interface{}) {
	Warn(s.prefix(), " ", fmt.Sprint(args...))
}

func (s *Logger) Error(args ...interface{}) {
	Error(s.prefix(), " ", fmt.Sprint(args...))
}

func (s *Logger) Fatal(args ...interface{}) {
	Fatal(s.prefix(), " ", fmt.Sprint(args...))
}

func (s *Logger) Panic(args ...interface{}) {
	Panic(s.prefix(), " ", fmt.Sprint(args...))
}
