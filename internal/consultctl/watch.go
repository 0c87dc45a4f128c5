package consultctl

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/seers-hq/consultd/internal/shared"
	"github.com/seers-hq/consultd/internal/transport"
)

const eventBuffer = 64

var errUnauthorized = errors.New("push channel rejected access token")

// Events streams push envelopes addressed to the logged-in principal. The
// connection is re-established with backoff until ctx is done or the
// gateway can no longer produce a valid access token. The channel is closed
// when streaming stops.
func (c *Client) Events(ctx context.Context) <-chan shared.Envelope {
	out := make(chan shared.Envelope, eventBuffer)
	go func() {
		defer close(out)
		backoff := transport.DefaultBackoff()
		for {
			err := c.stream(ctx, out, backoff)
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, errUnauthorized) {
				// An authenticated read drives the gateway through its refresh.
				if _, werr := c.Wallet(ctx); werr != nil && shared.CodeOf(werr) == shared.CodeAuth {
					c.logger.Warn("push channel stopped, session is no longer valid", zap.Error(werr))
					return
				}
			} else if err != nil {
				c.logger.Debug("push channel dropped", zap.Error(err), zap.Int("attempt", backoff.Attempt()))
			}
			if err := backoff.Wait(ctx); err != nil {
				return
			}
		}
	}()
	return out
}

// stream holds one websocket connection until it fails.
func (c *Client) stream(ctx context.Context, out chan<- shared.Envelope, backoff *transport.Backoff) error {
	token := c.gateway.AccessToken()
	if token == "" {
		return errUnauthorized
	}
	wsURL, err := websocketURL(c.cfg.ServerURL)
	if err != nil {
		return err
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	conn, resp, err := c.dialer.DialContext(ctx, wsURL, header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return errUnauthorized
		}
		return fmt.Errorf("dial push channel: %w", err)
	}
	defer conn.Close()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			conn.Close()
		case <-stop:
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		env, err := shared.UnmarshalEnvelope(data)
		if err != nil {
			c.logger.Warn("discarding malformed push envelope", zap.Error(err))
			continue
		}
		if env.Type == string(shared.MessageTypeSubscriptionReady) {
			backoff.Reset()
		}
		select {
		case out <- *env:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func websocketURL(serverURL string) (string, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return "", fmt.Errorf("invalid server url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http", "":
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	return u.String(), nil
}

type idPayload struct {
	ID string `json:"id"`
}

func payloadID(env shared.Envelope) string {
	var p idPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return ""
	}
	return p.ID
}

// WatchRequest blocks until the request leaves pending, then returns its final
// status. Push events trigger an immediate check; the poll interval covers a
// missed or unavailable push channel.
func (c *Client) WatchRequest(ctx context.Context, requestID string) (*RequestStatusJSON, error) {
	return watch(ctx, c, "request.", requestID, func(ctx context.Context) (*RequestStatusJSON, bool, error) {
		status, err := c.RequestStatus(ctx, requestID)
		if err != nil {
			return nil, false, err
		}
		return status, status.Terminal(), nil
	})
}

// WatchQueue blocks until the entry is notified or reaches a terminal state.
func (c *Client) WatchQueue(ctx context.Context, entryID string) (*QueueEntryJSON, error) {
	return watch(ctx, c, "queue.", entryID, func(ctx context.Context) (*QueueEntryJSON, bool, error) {
		entry, err := c.QueueEntry(ctx, entryID)
		if err != nil {
			return nil, false, err
		}
		return entry, entry.Status != "waiting", nil
	})
}

func watch[T any](ctx context.Context, c *Client, prefix, id string, check func(context.Context) (*T, bool, error)) (*T, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	events := c.Events(ctx)
	ticker := time.NewTicker(c.cfg.PollInterval())
	defer ticker.Stop()

	for {
		v, done, err := check(ctx)
		if err != nil {
			return nil, err
		}
		if done {
			return v, nil
		}

	wait:
		for {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-ticker.C:
				break wait
			case env, ok := <-events:
				if !ok {
					events = nil
					continue
				}
				if strings.HasPrefix(env.Type, prefix) && payloadID(env) == id {
					break wait
				}
			}
		}
	}
}
