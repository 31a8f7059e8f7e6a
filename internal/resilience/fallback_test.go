package resilience

import (
	"errors"
	"testing"
	"time"
)

func TestFallbackGroup_PrimarySuccess(t *testing.T) {
	fg := NewFallbackGroup("primary", "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fg.AddFallback("secondary", "secondary")

	var called string
	err := fg.Execute(func(v string) error {
		called = v
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if called != "primary" {
		t.Fatalf("called = %q, want primary", called)
	}
}

func TestFallbackGroup_PrimaryFailFallbackSuccess(t *testing.T) {
	fg := NewFallbackGroup("primary", "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fg.AddFallback("secondary", "secondary")

	var called string
	err := fg.Execute(func(v string) error {
		if v == "primary" {
			return errTest
		}
		called = v
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if called != "secondary" {
		t.Fatalf("called = %q, want secondary", called)
	}
}

func TestFallbackGroup_AllFail(t *testing.T) {
	fg := NewFallbackGroup("primary", "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fg.AddFallback("secondary", "secondary")

	err := fg.Execute(func(v string) error {
		return errTest
	})
	if err == nil {
		t.Fatal("expected error when all providers fail")
	}
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
}

func TestFallbackGroup_CircuitBreakerSkipsOpenProvider(t *testing.T) {
	fg := NewFallbackGroup("primary", "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{
			MaxFailures:  2,
			ResetTimeout: time.Hour,
		},
	})
	fg.AddFallback("secondary", "secondary")

	// Fail the primary enough to open its breaker.
	for i := 0; i < 2; i++ {
		_ = fg.Execute(func(v string) error {
			if v == "primary" {
				return errTest
			}
			return nil
		})
	}

	// The primary's breaker is open, so calls go to the secondary.
	var called string
	err := fg.Execute(func(v string) error {
		called = v
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if called != "secondary" {
		t.Fatalf("called = %q, want secondary (primary circuit should be open)", called)
	}
}

func TestExecuteWithResult_Success(t *testing.T) {
	fg := NewFallbackGroup(10, "ten", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fg.AddFallback("twenty", 20)

	result, err := ExecuteWithResult(fg, func(v int) (string, error) {
		if v == 10 {
			return "from-ten", nil
		}
		return "from-twenty", nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != "from-ten" {
		t.Fatalf("result = %q, want from-ten", result)
	}
}

func TestExecuteWithResult_Failover(t *testing.T) {
	fg := NewFallbackGroup(10, "ten", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fg.AddFallback("twenty", 20)

	result, err := ExecuteWithResult(fg, func(v int) (string, error) {
		if v == 10 {
			return "", errTest
		}
		return "from-twenty", nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != "from-twenty" {
		t.Fatalf("result = %q, want from-twenty", result)
	}
}

func TestExecuteWithResult_AllFail(t *testing.T) {
	fg := NewFallbackGroup(10, "ten", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})

	_, err := ExecuteWithResult(fg, func(v int) (string, error) {
		return "", errTest
	})
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
}

func TestExecuteWithResult_ShouldFallbackStopsChain(t *testing.T) {
	errAdvance := errors.New("format unsupported")
	errStop := errors.New("task failed")
	fg := NewFallbackGroup("a", "a", FallbackConfig{
		ShouldFallback: func(err error) bool { return errors.Is(err, errAdvance) },
	})
	fg.AddFallback("b", "b")
	fg.AddFallback("c", "c")

	var tried []string
	_, err := ExecuteWithResult(fg, func(v string) (int, error) {
		tried = append(tried, v)
		if v == "a" {
			return 0, errAdvance
		}
		return 0, errStop
	})
	if err != errStop {
		t.Fatalf("err = %v, want the unwrapped stop error", err)
	}
	if len(tried) != 2 || tried[1] != "b" {
		t.Fatalf("tried = %v, want [a b]", tried)
	}
}

func TestExecuteWithResult_AllFailKeepsCause(t *testing.T) {
	errAdvance := errors.New("format unsupported")
	fg := NewFallbackGroup("a", "a", FallbackConfig{
		ShouldFallback: func(err error) bool { return errors.Is(err, errAdvance) },
	})
	fg.AddFallback("b", "b")

	_, err := ExecuteWithResult(fg, func(string) (int, error) { return 0, errAdvance })
	if !errors.Is(err, ErrAllFailed) || !errors.Is(err, errAdvance) {
		t.Fatalf("err = %v, want ErrAllFailed wrapping the last cause", err)
	}
}

func TestFallbackGroup_Names(t *testing.T) {
	fg := NewFallbackGroup(1, "aliyun", FallbackConfig{})
	fg.AddFallback("whisper", 2)
	fg.AddFallback("deepgram", 3)
	names := fg.Names()
	if len(names) != 3 || names[0] != "aliyun" || names[2] != "deepgram" {
		t.Fatalf("Names = %v", names)
	}
	if fg.Primary() != 1 {
		t.Errorf("Primary = %d, want 1", fg.Primary())
	}
}
