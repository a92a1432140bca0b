package apperr

import (
	"errors"
	"fmt"
	"testing"
)

func TestIsMatchesWrappedKind(t *testing.T) {
	cause := errors.New("boom")
	err := Wrap(ActorNotFound, "resolving actor", cause)
	wrapped := fmt.Errorf("handling request: %w", err)

	if !Is(wrapped, ActorNotFound) {
		t.Fatal("expected Is to find ActorNotFound through fmt.Errorf wrapping")
	}
	if Is(wrapped, Conflict) {
		t.Fatal("expected Is to reject a non-matching Kind")
	}
}

func TestKindOfReturnsUnknownForPlainErrors(t *testing.T) {
	if got := KindOf(errors.New("plain")); got != Unknown {
		t.Fatalf("KindOf(plain error) = %v, want Unknown", got)
	}
	if got := KindOf(New(SignatureExpired, "too old")); got != SignatureExpired {
		t.Fatalf("KindOf = %v, want SignatureExpired", got)
	}
}

func TestErrorMessageIncludesCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := Wrap(StoreUnavailable, "opening store", cause)
	if got := err.Error(); got == "" {
		t.Fatal("expected non-empty error message")
	}
	if !errors.Is(err, cause) {
		t.Fatal("expected Unwrap to expose the wrapped cause via errors.Is")
	}
}

func TestNewHasNoCause(t *testing.T) {
	err := New(MalformedRequest, "bad body")
	if err.Unwrap() != nil {
		t.Fatal("expected New to produce an error with no cause")
	}
}
