package shared

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestErrorIsMatchesCode(t *testing.T) {
	err := fmt.Errorf("accept request: %w", Conflict(ReasonRequestExpired, "request expired"))

	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected conflict match, got %v", err)
	}
	if errors.Is(err, ErrNotFound) {
		t.Fatalf("conflict must not match not found")
	}
	if !errors.Is(err, &Error{Code: CodeConflict, Reason: ReasonRequestExpired}) {
		t.Fatalf("expected reason match")
	}
	if errors.Is(err, &Error{Code: CodeConflict, Reason: ReasonRequestRejected}) {
		t.Fatalf("expired must be distinguishable from rejected")
	}
}

func TestStatusMappingRoundTrips(t *testing.T) {
	codes := []Code{
		CodeAuth, CodeValidation, CodeConflict, CodeNotAvailable,
		CodeInsufficientBalance, CodeRateLimited, CodeNotFound, CodeServer,
	}
	for _, code := range codes {
		if got := CodeFromStatus(HTTPStatus(code)); got != code {
			t.Errorf("code %s: round trip produced %s", code, got)
		}
	}
	if CodeFromStatus(http.StatusBadGateway) != CodeServer {
		t.Fatalf("unknown 5xx should map to server error")
	}
}

func TestRetryableOnlyForTransientCodes(t *testing.T) {
	if !Retryable(Server("boom", nil)) || !Retryable(Network(errors.New("reset"))) {
		t.Fatalf("server and network errors must be retryable")
	}
	if Retryable(Conflict("", "nope")) || Retryable(Auth(ReasonTokenExpired, "expired")) {
		t.Fatalf("conflict and auth errors must not be retryable")
	}
	if CodeOf(errors.New("plain")) != CodeServer {
		t.Fatalf("untyped errors default to server code")
	}
}
