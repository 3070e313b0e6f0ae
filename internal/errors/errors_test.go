package errors

import (
	stdErrors "errors"
	"fmt"
	"testing"
)

func TestWrapKeepsCauseAndCode(t *testing.T) {
	cause := stdErrors.New("boom")
	err := Wrap(CodeStorageFailure, cause, "写入失败", WithMetadata("table", "devices"))

	if !stdErrors.Is(err, cause) {
		t.Fatalf("expected cause to be reachable")
	}
	if got := CodeOf(fmt.Errorf("outer: %w", err)); got != CodeStorageFailure {
		t.Fatalf("unexpected code: %s", got)
	}
	if MetadataOf(err, "table") != "devices" {
		t.Fatalf("metadata lost: %v", err.Metadata())
	}
	if want := "[STORAGE_FAILURE] 写入失败: boom"; err.Error() != want {
		t.Fatalf("unexpected message: %q", err.Error())
	}
}

func TestIsComparesCodes(t *testing.T) {
	err := New(CodeNotFound, "device missing")
	if !stdErrors.Is(err, New(CodeNotFound, "")) {
		t.Fatalf("expected codes to match")
	}
	if stdErrors.Is(err, New(CodeConflict, "")) {
		t.Fatalf("different codes must not match")
	}
}

func TestRetryableDefaultsAndOverride(t *testing.T) {
	if !RetryableError(New(CodeTimeout, "")) {
		t.Fatalf("timeout should be retryable by default")
	}
	if RetryableError(New(CodeTimeout, "", WithRetryable(false))) {
		t.Fatalf("override ignored")
	}
	if RetryableError(stdErrors.New("plain")) {
		t.Fatalf("plain errors are never retryable")
	}
}

func TestRegisterCustomCode(t *testing.T) {
	const code Code = "TEST_CUSTOM"
	Register(code, Attributes{Message: "custom", Severity: SeverityWarning, Retryable: true})

	err := New(code, "")
	if err.Message() != "custom" || err.Severity() != SeverityWarning || !err.Retryable() {
		t.Fatalf("registered attributes not applied: %+v", err)
	}
	if AttributesOf("NOPE").Severity != SeverityCritical {
		t.Fatalf("unknown codes should fall back to UNKNOWN")
	}
}
