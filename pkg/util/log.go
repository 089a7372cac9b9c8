package util

import (
	"bytes"
	"io"
	"os"
	"path/filepath"

	"github.com/cockroachdb/errors"
	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	LogComponentField = "component"

	defaultComponent = "adb"
)

type ComponentFormatter struct {
	*logrus.TextFormatter
}

type LogFileConfig struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// SetUpLogger installs the component formatter and, when cfg.Path is set,
// tees log output into a size-rotated file.
func SetUpLogger(cfg LogFileConfig) error {
	logrus.SetFormatter(ComponentFormatter{
		TextFormatter: &logrus.TextFormatter{
			DisableColors: true,
			FullTimestamp: true,
		},
	})
	if cfg.Path == "" {
		return nil
	}

	logPath, err := filepath.Abs(cfg.Path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return errors.Wrapf(err, "failed to create log directory for %v", logPath)
	}
	logrus.Infof("Storing logs at path: %v", logPath)
	logrus.SetOutput(io.MultiWriter(os.Stderr, &lumberjack.Logger{
		Filename:   logPath,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
	}))
	return nil
}

func (l ComponentFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	logMsg := &bytes.Buffer{}
	component, ok := entry.Data[LogComponentField]
	if !ok {
		component = defaultComponent
	}
	name, ok := component.(string)
	if !ok {
		return nil, errors.New("field component must be a string")
	}
	logMsg.WriteString("[" + name + "] ")

	msg, err := l.TextFormatter.Format(entry)
	if err != nil {
		return nil, err
	}
	logMsg.Write(msg)

	return logMsg.Bytes(), nil
}
