package logger

import (
	"bytes"
	"os"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    LogLevel
		wantErr bool
	}{
		{"debug", LogLevelDebug, false},
		{"INFO", LogLevelInfo, false},
		{" warning ", LogLevelWarn, false},
		{"error", LogLevelError, false},
		{"silent", LogLevelSilent, false},
		{"chatty", LogLevelError, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseLevel(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Fatalf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestLoggerRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	prevLevel := GetLogLevel()
	SetOutput(&buf)
	SetLogLevel(LogLevelWarn)
	defer func() {
		SetLogLevel(prevLevel)
		SetOutput(os.Stderr)
	}()

	Debug("hidden %d", 1)
	Info("hidden %d", 2)
	Warn("shown %d", 3)
	Error("shown %d", 4)

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("output contains suppressed lines: %q", out)
	}
	if !strings.Contains(out, "WARN: shown 3") || !strings.Contains(out, "ERROR: shown 4") {
		t.Fatalf("output missing expected lines: %q", out)
	}
}

func TestRedactSensitive(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		notWant string
	}{
		{"bearer", "Authorization: Bearer abc.def", "abc.def"},
		{"token param", "GET https://host/x?token=s3cr3t&a=b", "s3cr3t"},
		{"presigned", "GET https://bucket/key?X-Amz-Signature=deadbeef", "deadbeef"},
		{"secret key", "secret_access_key=hunter2", "hunter2"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := redactSensitive(tt.in)
			if strings.Contains(got, tt.notWant) {
				t.Fatalf("redactSensitive(%q) = %q, still contains %q", tt.in, got, tt.notWant)
			}
		})
	}
}
