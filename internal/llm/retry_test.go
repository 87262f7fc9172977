package llm

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRetryPolicyDelay(t *testing.T) {
	p := DefaultRetryPolicy()
	want := []time.Duration{time.Second, 7 * time.Second, 49 * time.Second, 2 * time.Minute}
	for n, w := range want {
		if got := p.Delay(n); got != w {
			t.Errorf("Delay(%d) = %v, want %v", n, got, w)
		}
	}
}

func TestRetryPolicyRetriesServerErrors(t *testing.T) {
	p := RetryPolicy{Attempts: 5, InitialDelay: time.Millisecond, ExpBase: 2, Statuses: []int{429, 503}}

	calls := 0
	err := p.Do(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return &StatusError{Code: 503}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestRetryPolicyStopsOnOtherErrors(t *testing.T) {
	p := RetryPolicy{Attempts: 5, InitialDelay: time.Millisecond, Statuses: []int{429}}

	tests := []error{
		&StatusError{Code: 400},
		errors.New("network down"),
	}
	for _, want := range tests {
		calls := 0
		err := p.Do(context.Background(), func(context.Context) error {
			calls++
			return want
		})
		if !errors.Is(err, want) {
			t.Errorf("err = %v, want %v", err, want)
		}
		if calls != 1 {
			t.Errorf("%v: calls = %d, want 1", want, calls)
		}
	}
}

func TestRetryPolicyGivesUp(t *testing.T) {
	p := RetryPolicy{Attempts: 3, InitialDelay: time.Millisecond, Statuses: []int{429}}

	calls := 0
	err := p.Do(context.Background(), func(context.Context) error {
		calls++
		return &StatusError{Code: 429}
	})
	var se *StatusError
	if !errors.As(err, &se) || se.Code != 429 {
		t.Errorf("err = %v, want 429 StatusError", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestRetryPolicyHonoursContext(t *testing.T) {
	p := RetryPolicy{Attempts: 5, InitialDelay: time.Hour, Statuses: []int{500}}

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := p.Do(ctx, func(context.Context) error {
		calls++
		cancel()
		return &StatusError{Code: 500}
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}
