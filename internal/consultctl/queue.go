package consultctl

import (
	"context"
	"net/http"
	"net/url"

	"github.com/seers-hq/consultd/internal/shared"
)

// NextEntry asks Connect for the head of the queue.
const NextEntry = "next"

func (c *Client) JoinQueue(ctx context.Context, providerID string, kind shared.Kind) (*QueueEntryJSON, error) {
	if providerID == "" {
		return nil, shared.Validation("MISSING_PROVIDER", "provider id is required")
	}
	var entry QueueEntryJSON
	body := map[string]string{"provider_id": providerID, "kind": string(kind)}
	if err := c.mutate(ctx, http.MethodPost, "/api/v1/queue", body, &entry); err != nil {
		return nil, err
	}
	return &entry, nil
}

func (c *Client) LeaveQueue(ctx context.Context, entryID string) (*QueueEntryJSON, error) {
	var entry QueueEntryJSON
	if err := c.mutate(ctx, http.MethodDelete, entryPath(entryID), nil, &entry); err != nil {
		return nil, err
	}
	return &entry, nil
}

// QueueStatus reports the caller's place in providerID's line. An empty kind
// searches every line.
func (c *Client) QueueStatus(ctx context.Context, providerID string, kind shared.Kind) (*QueueStatusJSON, error) {
	query := url.Values{"provider_id": {providerID}}
	if kind != "" {
		query.Set("kind", string(kind))
	}
	var status QueueStatusJSON
	if err := c.get(ctx, "/api/v1/queue/status", query, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

func (c *Client) QueueEntry(ctx context.Context, entryID string) (*QueueEntryJSON, error) {
	var entry QueueEntryJSON
	if err := c.get(ctx, entryPath(entryID), nil, &entry); err != nil {
		return nil, err
	}
	return &entry, nil
}

// ListQueue returns the calling provider's live entries in line order.
func (c *Client) ListQueue(ctx context.Context, providerID string, kind shared.Kind) ([]QueueEntryJSON, error) {
	var query url.Values
	if kind != "" {
		query = url.Values{"kind": {string(kind)}}
	}
	var entries []QueueEntryJSON
	if err := c.get(ctx, "/api/v1/queue/"+url.PathEscape(providerID), query, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// Connect claims entryID (or NextEntry) and starts its session.
func (c *Client) Connect(ctx context.Context, entryID string, kind shared.Kind) (*ConnectResultJSON, error) {
	if entryID == "" {
		entryID = NextEntry
	}
	var result ConnectResultJSON
	body := map[string]string{"entry_id": entryID, "kind": string(kind)}
	if err := c.mutate(ctx, http.MethodPost, "/api/v1/queue/connect", body, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *Client) SkipEntry(ctx context.Context, entryID string) (*QueueEntryJSON, error) {
	var entry QueueEntryJSON
	if err := c.mutate(ctx, http.MethodPost, entryPath(entryID)+"/skip", nil, &entry); err != nil {
		return nil, err
	}
	return &entry, nil
}

func entryPath(id string) string {
	return "/api/v1/queue/entries/" + url.PathEscape(id)
}
