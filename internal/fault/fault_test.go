package fault

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestIs_MatchesSentinelByKind(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		err      error
		sentinel error
		want     bool
	}{
		{"rate limited", New(KindRateLimited, "claude.generate", "429"), ErrRateLimited, true},
		{"wrapped rate limited", fmt.Errorf("step: %w", New(KindRateLimited, "op", "x")), ErrRateLimited, true},
		{"kind mismatch", New(KindNotFound, "op", "x"), ErrRateLimited, false},
		{"plain error", errors.New("boom"), ErrNotFound, false},
		{"invalid response", InvalidResponse("op", "{bad", errors.New("eof")), ErrInvalidResponse, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := errors.Is(tt.err, tt.sentinel); got != tt.want {
				t.Errorf("errors.Is = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRetryable(t *testing.T) {
	t.Parallel()

	tests := []struct {
		kind Kind
		want bool
	}{
		{KindProviderUnavailable, true},
		{KindRateLimited, true},
		{KindInvalidResponse, true},
		{KindExternalService, true},
		{KindUnsupportedProvider, false},
		{KindNotFound, false},
		{KindInvalidState, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			t.Parallel()
			if got := Retryable(New(tt.kind, "op", "")); got != tt.want {
				t.Errorf("Retryable(%s) = %v, want %v", tt.kind, got, tt.want)
			}
		})
	}

	if Retryable(errors.New("plain")) {
		t.Error("plain errors must not be retryable")
	}
}

func TestUnsupportedProvider_ListsRegistered(t *testing.T) {
	t.Parallel()

	err := UnsupportedProvider("doesnotexist", []string{"bedrock", "claude"})
	if !errors.Is(err, ErrUnsupportedProvider) {
		t.Fatalf("expected ErrUnsupportedProvider, got %v", err)
	}
	for _, want := range []string{"doesnotexist", "bedrock", "claude"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q missing %q", err, want)
		}
	}

	empty := UnsupportedProvider("x", nil)
	if !strings.Contains(empty.Error(), "registered: none") {
		t.Errorf("error %q should say none registered", empty)
	}
}

func TestRawOf(t *testing.T) {
	t.Parallel()

	err := fmt.Errorf("classification: %w", InvalidResponse("steps.classification", "not json", errors.New("syntax")))
	if got := RawOf(err); got != "not json" {
		t.Errorf("RawOf = %q, want %q", got, "not json")
	}
	if KindOf(err) != KindInvalidResponse {
		t.Errorf("KindOf = %q", KindOf(err))
	}
	if RawOf(errors.New("x")) != "" {
		t.Error("RawOf plain error should be empty")
	}
}
