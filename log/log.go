package log

import (
	"io"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	easy "github.com/t-tomalak/logrus-easy-formatter"
	"gopkg.in/natefinch/lumberjack.v2"
)

type Fields = logrus.Fields

var (
	std       = logrus.New()
	logWriter *lumberjack.Logger
)

func init() {
	std.SetOutput(os.Stdout)
	std.SetFormatter(&easy.Formatter{
		TimestampFormat: "2006-01-02 15:04:05",
		LogFormat:       "[%time%][%lvl%]: %msg%\n",
	})
}

func SetOutput(o io.Writer) {
	std.SetOutput(o)
}

func SetLogFormatter(f logrus.Formatter) {
	std.SetFormatter(f)
}

// SetLevel accepts logrus level names; unknown names leave the level unchanged.
func SetLevel(level string) {
	if l, err := logrus.ParseLevel(level); err == nil {
		std.SetLevel(l)
	}
}

// RotateFile switches output to a size-rotated file under dir.
func RotateFile(dir, name string, maxSizeMB, maxBackups, maxAgeDays int, compress bool) io.Writer {
	CloseLogWriter()
	logWriter = &lumberjack.Logger{
		Filename:   filepath.Join(dir, name),
		MaxSize:    maxSizeMB,
		MaxBackups: maxBackups,
		MaxAge:     maxAgeDays,
		Compress:   compress,
	}
	std.SetOutput(logWriter)
	return logWriter
}

func CloseLogWriter() {
	if logWriter != nil {
		logWriter.Close()
		logWriter = nil
	}
}

func WithFields(fields Fields) *logrus.Entry {
	return std.WithFields(fields)
}

func Debug(args ...interface{}) {
	std.Debug(args...)
}

func Info(args ...interface{}) {
	std.Info(args...)
}

func Warn(args ...interface{}) {
	std.Warn(args...)
}

func Error(args ...interface{}) {
	std.Error(args...)
}

func Fatal(args ...interface{}) {
	std.Fatal(args...)
}

func Panic(args ...interface{}) {
	std.Panic(args...)
}

func InfoWithFields(msg string, fields Fields) {
	std.WithFields(fields).Info(msg)
}

func WarnWithFields(msg string, fields Fields) {
	std.WithFields(fields).Warn(msg)
}

func ErrorWithFields(msg string, fields Fields) {
	std.WithFields(fields).Error(msg)
}
