package logger

import (
	"bytes"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
)

func TestPrettyFormatter(t *testing.T) {
	var buf bytes.Buffer
	l := logrus.New()
	l.SetOutput(&buf)
	l.SetFormatter(&PrettyFormatter{DisableColors: true})

	l.WithFields(logrus.Fields{"seq": 2, "name": "a.txt"}).Warn("retrying")

	line := strings.TrimSuffix(buf.String(), "\n")
	parts := strings.SplitN(line, " ", 2)
	if len(parts) != 2 {
		t.Fatalf("unexpected line %q", line)
	}
	if want := "WARN  retrying name=a.txt seq=2"; parts[1] != want {
		t.Errorf("expected %q, got %q", want, parts[1])
	}
}

func TestColorizeLevel(t *testing.T) {
	f := &PrettyFormatter{}
	got := f.colorizeLevel(logrus.ErrorLevel)
	if !strings.HasPrefix(got, colorRed) || !strings.HasSuffix(got, colorReset) {
		t.Errorf("expected red level, got %q", got)
	}
	if !strings.Contains(got, "ERROR") {
		t.Errorf("expected ERROR in %q", got)
	}
}

func TestSetLevel(t *testing.T) {
	l := NewLogger()
	if err := SetLevel(l, "debug"); err != nil {
		t.Fatalf("SetLevel failed: %v", err)
	}
	if l.GetLevel() != logrus.DebugLevel {
		t.Errorf("expected debug level, got %v", l.GetLevel())
	}
	if err := SetLevel(l, "loud"); err == nil {
		t.Error("expected error for unknown level")
	}
}
