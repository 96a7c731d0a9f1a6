package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestNewLoggerFormat(t *testing.T) {
	tests := []struct {
		name   string
		config *Config
		want   Format
	}{
		{name: "default config", config: nil, want: FormatText},
		{name: "json format", config: &Config{Level: LevelInfo, Format: FormatJSON, Output: &bytes.Buffer{}}, want: FormatJSON},
		{name: "text format", config: &Config{Level: LevelDebug, Format: FormatText, Output: &bytes.Buffer{}}, want: FormatText},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := NewLogger(tt.config)
			if logger == nil {
				t.Fatal("NewLogger() returned nil")
			}
			if logger.format != tt.want {
				t.Errorf("format = %q, want %q", logger.format, tt.want)
			}
		})
	}
}

func TestLoggerLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&Config{Level: LevelWarn, Format: FormatText, Output: &buf, NoColor: true})

	logger.Debug("should be dropped")
	logger.Info("also dropped")
	if buf.Len() != 0 {
		t.Fatalf("expected nothing logged below Warn, got %q", buf.String())
	}

	logger.Warn("kept")
	if !strings.Contains(buf.String(), "kept") {
		t.Errorf("expected Warn message to be logged, got %q", buf.String())
	}
}

func TestLoggerWithController(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&Config{Level: LevelDebug, Format: FormatText, Output: &buf, NoColor: true})

	ctrlLogger := logger.WithController(7)
	ctrlLogger.Info("controller ready")

	output := buf.String()
	if !strings.Contains(output, "controller_id=7") {
		t.Errorf("expected controller_id=7 in output, got: %s", output)
	}

	buf.Reset()
	queueLogger := ctrlLogger.WithQueue(1)
	queueLogger.Info("queue bound")

	output = buf.String()
	if !strings.Contains(output, "controller_id=7") {
		t.Errorf("expected controller_id=7 to persist in output, got: %s", output)
	}
	if !strings.Contains(output, "queue_id=1") {
		t.Errorf("expected queue_id=1 in output, got: %s", output)
	}
}

func TestLoggerWithCommand(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&Config{Level: LevelDebug, Format: FormatText, Output: &buf, NoColor: true})

	cmdLogger := logger.WithCommand(42, "READ")
	cmdLogger.Debug("dispatching")

	output := buf.String()
	if !strings.Contains(output, "cmd_id=42") {
		t.Errorf("expected cmd_id=42 in output, got: %s", output)
	}
	if !strings.Contains(output, "opcode=READ") {
		t.Errorf("expected opcode=READ in output, got: %s", output)
	}
}

func TestLoggerWithError(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&Config{Level: LevelDebug, Format: FormatText, Output: &buf, NoColor: true})

	testErr := errors.New("connection reset by target")
	errLogger := logger.WithError(testErr)
	errLogger.Error("keep alive failed")

	output := buf.String()
	if !strings.Contains(output, "connection reset by target") {
		t.Errorf("expected wrapped error text in output, got: %s", output)
	}

	// A nil error must not add a field or panic.
	buf.Reset()
	logger.WithError(nil).Info("fine")
	if strings.Contains(buf.String(), "error=") {
		t.Errorf("expected no error field for a nil error, got: %s", buf.String())
	}
}

func TestLoggerJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&Config{Level: LevelDebug, Format: FormatJSON, Output: &buf})

	logger.WithQueue(1).Info("queue bound", "qsize", 128)

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("output is not valid JSON: %v (%s)", err, buf.String())
	}
	if rec["msg"] != "queue bound" {
		t.Errorf("msg = %v, want %q", rec["msg"], "queue bound")
	}
	if rec["level"] != "info" {
		t.Errorf("level = %v, want %q", rec["level"], "info")
	}
	if rec["queue_id"] != float64(1) {
		t.Errorf("queue_id = %v, want 1", rec["queue_id"])
	}
	if rec["qsize"] != float64(128) {
		t.Errorf("qsize = %v, want 128", rec["qsize"])
	}
}

func TestGlobalLoggerFunctions(t *testing.T) {
	var buf bytes.Buffer
	SetDefault(NewLogger(&Config{Level: LevelDebug, Format: FormatText, Output: &buf, NoColor: true}))

	Debug("debug message", "key", "value")
	output := buf.String()
	if !strings.Contains(output, "debug message") {
		t.Errorf("expected debug message, got: %s", output)
	}
	if !strings.Contains(output, "key=value") {
		t.Errorf("expected key=value, got: %s", output)
	}

	buf.Reset()
	Info("info message")
	if !strings.Contains(buf.String(), "info message") {
		t.Errorf("expected info message, got: %s", buf.String())
	}

	buf.Reset()
	Warn("warning message")
	if !strings.Contains(buf.String(), "warning message") {
		t.Errorf("expected warning message, got: %s", buf.String())
	}

	buf.Reset()
	Error("error message")
	if !strings.Contains(buf.String(), "error message") {
		t.Errorf("expected error message, got: %s", buf.String())
	}
}

func TestDefaultReturnsSameInstance(t *testing.T) {
	SetDefault(nil)
	first := Default()
	second := Default()
	if first != second {
		t.Error("Default() returned different instances across calls")
	}
}
