package util

import (
	"context"
	"errors"
	"testing"
	"time"
)

func fastConfig(maxRetries int) *RetryConfig {
	return &RetryConfig{
		MaxRetries: maxRetries,
		BaseDelay:  time.Millisecond,
		MaxDelay:   5 * time.Millisecond,
		Multiplier: 2.0,
	}
}

func TestRetry_SuccessOnFirstAttempt(t *testing.T) {
	attempts := 0
	result := Retry(context.Background(), nil, func() error {
		attempts++
		return nil
	})

	if result.Attempts != 1 || attempts != 1 {
		t.Errorf("expected 1 attempt, got %d (calls %d)", result.Attempts, attempts)
	}
	if result.LastError != nil {
		t.Errorf("expected no error, got %v", result.LastError)
	}
}

func TestRetryWithValue_SuccessAfterRetries(t *testing.T) {
	attempts := 0
	val, result := RetryWithValue(context.Background(), fastConfig(5), func() (string, error) {
		attempts++
		if attempts < 3 {
			return "", errors.New("temporary error")
		}
		return "ok", nil
	})

	if val != "ok" {
		t.Errorf("expected value ok, got %q", val)
	}
	if result.Attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", result.Attempts)
	}
	if result.LastError != nil {
		t.Errorf("expected no error, got %v", result.LastError)
	}
}

func TestRetry_MaxRetriesExceeded(t *testing.T) {
	testErr := errors.New("persistent error")
	result := Retry(context.Background(), fastConfig(3), func() error {
		return testErr
	})

	// 1 initial + 3 retries
	if result.Attempts != 4 {
		t.Errorf("expected 4 attempts, got %d", result.Attempts)
	}
	if !errors.Is(result.LastError, ErrMaxRetriesExceeded) {
		t.Error("expected ErrMaxRetriesExceeded in error chain")
	}
	if !errors.Is(result.LastError, testErr) {
		t.Error("expected original error in chain")
	}
}

func TestRetry_NonRetryableStopsImmediately(t *testing.T) {
	attempts := 0
	result := Retry(context.Background(), fastConfig(5), func() error {
		attempts++
		return MarkNonRetryable(errors.New("bad request"))
	})

	if attempts != 1 {
		t.Errorf("expected 1 attempt, got %d", attempts)
	}
	if !IsNonRetryable(result.LastError) {
		t.Error("expected non-retryable error to be returned")
	}
}

func TestRetry_ContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	cfg := fastConfig(-1)
	cfg.BaseDelay = time.Second
	result := Retry(ctx, cfg, func() error {
		return errors.New("fail")
	})

	if !errors.Is(result.LastError, ErrContextCanceled) {
		t.Errorf("expected ErrContextCanceled, got %v", result.LastError)
	}
}

func TestCalculateDelay_ClampedToMax(t *testing.T) {
	cfg := &RetryConfig{BaseDelay: time.Second, MaxDelay: 2 * time.Second, Multiplier: 10}
	if d := calculateDelay(cfg, 5); d != 2*time.Second {
		t.Errorf("expected delay clamped to 2s, got %v", d)
	}
	if d := calculateDelay(cfg, 1); d != time.Second {
		t.Errorf("expected base delay on first attempt, got %v", d)
	}
}

func TestMarkNonRetryable_Nil(t *testing.T) {
	if MarkNonRetryable(nil) != nil {
		t.Error("MarkNonRetryable(nil) should be nil")
	}
}
