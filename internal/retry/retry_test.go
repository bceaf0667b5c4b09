package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	derrors "github.com/espwasm/wasmctl/internal/errors"
)

var errFlaky = errors.New("flaky")

func TestDoExhaustsAttempts(t *testing.T) {
	calls := 0
	err := Do(context.Background(), Config{MaxAttempts: 3}, func(attempt int) error {
		calls++
		if attempt != calls {
			t.Errorf("attempt = %d on call %d", attempt, calls)
		}
		return Retryable(errFlaky)
	})
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
	if !derrors.Is(err, derrors.TransportError) {
		t.Errorf("err = %v, want TransportError", err)
	}
	if !errors.Is(err, errFlaky) {
		t.Errorf("err = %v does not wrap the last failure", err)
	}
	if want := "transport_error: giving up after 3 attempts: flaky"; err.Error() != want {
		t.Errorf("err = %q, want %q", err, want)
	}
}

func TestDoSucceedsAfterRetry(t *testing.T) {
	calls := 0
	got, err := DoWithResult(context.Background(), DefaultConfig(), func(int) (string, error) {
		calls++
		if calls < 2 {
			return "", Retryable(errFlaky)
		}
		return "ok", nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if got != "ok" || calls != 2 {
		t.Errorf("got %q after %d calls", got, calls)
	}
}

func TestDoNonRetryable(t *testing.T) {
	want := derrors.New(derrors.DeviceError, "no such file")
	calls := 0
	err := Do(context.Background(), Config{MaxAttempts: 5}, func(int) error {
		calls++
		return want
	})
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
	if err != want {
		t.Errorf("err = %v, want the original error unchanged", err)
	}
}

func TestDoMinimumOneAttempt(t *testing.T) {
	calls := 0
	_ = Do(context.Background(), Config{}, func(int) error {
		calls++
		return Retryable(errFlaky)
	})
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestDoCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Do(ctx, Config{MaxAttempts: 5, Wait: time.Hour}, func(int) error {
		calls++
		cancel()
		return Retryable(errFlaky)
	})
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
	if !derrors.Is(err, derrors.TransportError) || !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want cancelled TransportError", err)
	}
}

func TestIsRetryable(t *testing.T) {
	if IsRetryable(errFlaky) {
		t.Error("plain error reported retryable")
	}
	if !IsRetryable(Retryable(errFlaky)) {
		t.Error("wrapped error not retryable")
	}
	if Retryable(nil) != nil {
		t.Error("Retryable(nil) != nil")
	}
}
