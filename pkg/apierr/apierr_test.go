package apierr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestAsUnwrapsChain(t *testing.T) {
	base := errors.New("boom")
	wrapped := Wrap(Backend, "docker unreachable", base)
	chained := fmt.Errorf("launching task: %w", wrapped)

	got, ok := As(chained)
	if !ok {
		t.Fatalf("expected an *Error in the chain")
	}
	if got.ErrKind != Backend {
		t.Fatalf("expected kind backend, got %s", got.ErrKind)
	}
	if !errors.Is(wrapped, base) {
		t.Fatalf("expected wrapped error to unwrap to base")
	}
}

func TestHTTPStatus(t *testing.T) {
	if New(Validation, "bad target").HTTPStatus() != http.StatusBadRequest {
		t.Fatalf("expected 400 for validation")
	}
	if New(NotFound, "no such task").HTTPStatus() != http.StatusNotFound {
		t.Fatalf("expected 404 for not-found")
	}
}
