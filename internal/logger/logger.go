package logger

import (
	"bytes"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorBlue   = "\033[34m"
	colorGray   = "\033[37m"
)

// PrettyFormatter writes "time LEVEL message key=value" lines.
type PrettyFormatter struct {
	DisableColors bool
}

func (f *PrettyFormatter) Format(e *logrus.Entry) ([]byte, error) {
	var b bytes.Buffer

	b.WriteString(e.Time.Format(time.TimeOnly))
	b.WriteByte(' ')
	b.WriteString(f.colorizeLevel(e.Level))
	b.WriteByte(' ')
	b.WriteString(e.Message)

	keys := make([]string, 0, len(e.Data))
	for k := range e.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if f.DisableColors {
			fmt.Fprintf(&b, " %s=%v", k, e.Data[k])
		} else {
			fmt.Fprintf(&b, " %s%s%s=%v", colorGray, k, colorReset, e.Data[k])
		}
	}

	b.WriteByte('\n')
	return b.Bytes(), nil
}

func (f *PrettyFormatter) colorizeLevel(level logrus.Level) string {
	var color string
	var name string

	switch level {
	case logrus.TraceLevel, logrus.DebugLevel:
		color = colorBlue
		name = "DEBUG"
	case logrus.InfoLevel:
		color = colorGreen
		name = "INFO"
	case logrus.WarnLevel:
		color = colorYellow
		name = "WARN"
	case logrus.ErrorLevel, logrus.FatalLevel, logrus.PanicLevel:
		color = colorRed
		name = "ERROR"
	default:
		color = colorGray
		name = level.String()
	}

	if f.DisableColors {
		return fmt.Sprintf("%-5s", name)
	}
	return fmt.Sprintf("%s%-5s%s", color, name, colorReset)
}

// NewLogger logs to stderr so stdout stays free for command output.
func NewLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetFormatter(&PrettyFormatter{})
	l.SetLevel(logrus.InfoLevel)
	return l
}

// SetLevel accepts the usual logrus names ("warn", "debug", ...).
func SetLevel(l *logrus.Logger, name string) error {
	level, err := logrus.ParseLevel(name)
	if err != nil {
		return err
	}
	l.SetLevel(level)
	return nil
}
