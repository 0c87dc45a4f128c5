package consultctl

import (
	"context"
	"net/http"
	"net/url"
)

func (c *Client) Session(ctx context.Context, sessionID string) (*SessionJSON, error) {
	var session SessionJSON
	if err := c.get(ctx, "/api/v1/sessions/"+url.PathEscape(sessionID), nil, &session); err != nil {
		return nil, err
	}
	return &session, nil
}

// EndSession settles the session. Ending it again returns the first result with
// AlreadyProcessed set.
func (c *Client) EndSession(ctx context.Context, sessionID string) (*EndResultJSON, error) {
	var result EndResultJSON
	if err := c.mutate(ctx, http.MethodPost, "/api/v1/sessions/"+url.PathEscape(sessionID)+"/end", nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}
