package config

import (
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// NewLogger builds the process logger from cfg.Log and tags every line with
// the service name.
func NewLogger(cfg Config, service string) (*logrus.Entry, error) {
	l := logrus.New()

	level, err := logrus.ParseLevel(cfg.Log.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	l.SetLevel(level)

	switch strings.ToLower(cfg.Log.Format) {
	case "text":
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: "2006-01-02 15:04:05"})
	default:
		l.SetFormatter(&logrus.JSONFormatter{TimestampFormat: "2006-01-02T15:04:05.000Z07:00"})
	}

	out, err := logOutput(cfg.Log)
	if err != nil {
		return nil, err
	}
	l.SetOutput(out)

	return l.WithFields(logrus.Fields{"service": service, "env": cfg.Env}), nil
}

func logOutput(c LogConfig) (io.Writer, error) {
	switch strings.ToLower(c.Output) {
	case "file", "both":
		if err := os.MkdirAll(filepath.Dir(c.FilePath), 0o755); err != nil {
			return nil, err
		}
		rotate := &lumberjack.Logger{
			Filename:   c.FilePath,
			MaxSize:    c.MaxSize,
			MaxBackups: c.MaxBackups,
			MaxAge:     c.MaxAge,
			Compress:   c.Compress,
		}
		if strings.EqualFold(c.Output, "both") {
			return io.MultiWriter(os.Stdout, rotate), nil
		}
		return rotate, nil
	default:
		return os.Stdout, nil
	}
}
