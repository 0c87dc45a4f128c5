package consultctl

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/seers-hq/consultd/internal/shared"
)

func (c *Client) CreateRequest(ctx context.Context, providerID string, kind shared.Kind) (*RequestJSON, error) {
	if providerID == "" {
		return nil, shared.Validation("MISSING_PROVIDER", "provider id is required")
	}
	var req RequestJSON
	body := map[string]string{"provider_id": providerID, "kind": string(kind)}
	if err := c.mutate(ctx, http.MethodPost, "/api/v1/requests", body, &req); err != nil {
		return nil, err
	}
	return &req, nil
}

func (c *Client) AcceptRequest(ctx context.Context, requestID string) (*AcceptResultJSON, error) {
	var result AcceptResultJSON
	if err := c.mutate(ctx, http.MethodPost, requestPath(requestID)+"/accept", nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *Client) RejectRequest(ctx context.Context, requestID, reason string) (*RequestJSON, error) {
	var req RequestJSON
	if err := c.mutate(ctx, http.MethodPost, requestPath(requestID)+"/reject", map[string]string{"reason": reason}, &req); err != nil {
		return nil, err
	}
	return &req, nil
}

func (c *Client) CancelRequest(ctx context.Context, requestID string) (*RequestJSON, error) {
	var req RequestJSON
	if err := c.mutate(ctx, http.MethodPost, requestPath(requestID)+"/cancel", nil, &req); err != nil {
		return nil, err
	}
	return &req, nil
}

func (c *Client) RequestStatus(ctx context.Context, requestID string) (*RequestStatusJSON, error) {
	var status RequestStatusJSON
	if err := c.get(ctx, requestPath(requestID), nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// PendingRequests lists the calling provider's pending requests, oldest first.
func (c *Client) PendingRequests(ctx context.Context) ([]RequestJSON, error) {
	var reqs []RequestJSON
	if err := c.get(ctx, "/api/v1/requests", nil, &reqs); err != nil {
		return nil, err
	}
	return reqs, nil
}

func requestPath(id string) string {
	return fmt.Sprintf("/api/v1/requests/%s", url.PathEscape(id))
}
