package logging

import (
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"testing"
)

func TestConfigure_JSON(t *testing.T) {
	original := Logger()
	defer SetLogger(original)

	var buf bytes.Buffer
	if err := Configure(&buf, "info", "json"); err != nil {
		t.Fatalf("Configure failed: %v", err)
	}

	Info("claim submitted", "key", "value")
	Debug("should not appear")

	output := buf.String()
	if !strings.Contains(output, "claim submitted") {
		t.Errorf("expected output to contain message, got: %s", output)
	}
	if !strings.Contains(output, `"key"`) {
		t.Errorf("expected JSON key in output, got: %s", output)
	}
	if strings.Contains(output, "should not appear") {
		t.Error("debug message should be filtered at info level")
	}
}

func TestConfigure_Text(t *testing.T) {
	original := Logger()
	defer SetLogger(original)

	var buf bytes.Buffer
	if err := Configure(&buf, "debug", "text"); err != nil {
		t.Fatalf("Configure failed: %v", err)
	}

	Debug("debug message")
	if !strings.Contains(buf.String(), "debug message") {
		t.Errorf("expected debug output, got: %s", buf.String())
	}
}

func TestConfigure_Invalid(t *testing.T) {
	if err := Configure(&bytes.Buffer{}, "loud", "json"); err == nil {
		t.Error("expected error for unknown level")
	}
	if err := Configure(&bytes.Buffer{}, "info", "xml"); err == nil {
		t.Error("expected error for unknown format")
	}
}

func TestFieldHelpers(t *testing.T) {
	if a := Err(nil); a.Value.String() != "" {
		t.Errorf("Err(nil) = %q, want empty", a.Value.String())
	}
	if a := Err(errors.New("boom")); a.Value.String() != "boom" {
		t.Errorf("Err() = %q, want boom", a.Value.String())
	}
	if a := Validator("0xabc"); a.Key != "validator" {
		t.Errorf("Validator key = %q", a.Key)
	}
	if a := TxHash("0x01"); a.Key != "tx_hash" {
		t.Errorf("TxHash key = %q", a.Key)
	}
}

func TestRedact_Secrets(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewRedactingHandler(slog.NewJSONHandler(&buf, nil)))

	key := "0x4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"
	logger.Info("unlock",
		"passphrase", "hunter2",
		"detail", "loaded key "+key,
		"tx_hash", key,
	)

	output := buf.String()
	if strings.Contains(output, "hunter2") {
		t.Errorf("passphrase leaked: %s", output)
	}
	if !strings.Contains(output, "0x4c08...2318") {
		t.Errorf("expected inline key to be shortened, got: %s", output)
	}
	if !strings.Contains(output, `"tx_hash":"`+key+`"`) {
		t.Errorf("tx_hash must not be redacted, got: %s", output)
	}
}

func TestNewRedactingHandler_NoDoubleWrap(t *testing.T) {
	inner := NewRedactingHandler(slog.NewJSONHandler(&bytes.Buffer{}, nil))
	if NewRedactingHandler(inner) != inner {
		t.Error("expected existing RedactingHandler to be reused")
	}
}
