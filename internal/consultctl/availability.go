package consultctl

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
)

func (c *Client) Toggle(ctx context.Context, toggle ToggleJSON) (*AvailabilityJSON, error) {
	var view AvailabilityJSON
	if err := c.mutate(ctx, http.MethodPost, "/api/v1/availability/toggle", toggle, &view); err != nil {
		return nil, err
	}
	return &view, nil
}

func (c *Client) Heartbeat(ctx context.Context) (*AvailabilityJSON, error) {
	var view AvailabilityJSON
	if err := c.mutate(ctx, http.MethodPost, "/api/v1/availability/heartbeat", nil, &view); err != nil {
		return nil, err
	}
	return &view, nil
}

func (c *Client) SetRates(ctx context.Context, rates RatesJSON) (*AvailabilityJSON, error) {
	var view AvailabilityJSON
	if err := c.mutate(ctx, http.MethodPost, "/api/v1/availability/rates", rates, &view); err != nil {
		return nil, err
	}
	return &view, nil
}

func (c *Client) Availability(ctx context.Context, providerID string) (*AvailabilityJSON, error) {
	var view AvailabilityJSON
	if err := c.get(ctx, "/api/v1/availability/"+url.PathEscape(providerID), nil, &view); err != nil {
		return nil, err
	}
	return &view, nil
}

func (c *Client) Wallet(ctx context.Context) (*WalletJSON, error) {
	var wallet WalletJSON
	if err := c.get(ctx, "/api/v1/wallet", nil, &wallet); err != nil {
		return nil, err
	}
	return &wallet, nil
}

func (c *Client) Credit(ctx context.Context, amount int64, memo string) (*WalletJSON, error) {
	var wallet WalletJSON
	body := map[string]interface{}{"amount": amount, "memo": memo}
	if err := c.mutate(ctx, http.MethodPost, "/api/v1/wallet/credit", body, &wallet); err != nil {
		return nil, err
	}
	return &wallet, nil
}

// AuditTrail lists the caller's audit entries, newest first.
func (c *Client) AuditTrail(ctx context.Context, action string, limit int) ([]AuditEntryJSON, error) {
	query := url.Values{}
	if action != "" {
		query.Set("action", action)
	}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	var entries []AuditEntryJSON
	if err := c.get(ctx, "/api/v1/audit", query, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}
