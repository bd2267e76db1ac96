package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cisec/lockdown-agent/pkg/protocol"
	"github.com/cisec/lockdown-agent/pkg/types"
)

var commandPaths = map[protocol.CommandName]string{
	protocol.CommandLock:         "/api/v1/lock",
	protocol.CommandUnlock:       "/api/v1/unlock",
	protocol.CommandStartMonitor: "/api/v1/monitor/start",
	protocol.CommandStopMonitor:  "/api/v1/monitor/stop",
}

// Client talks to a running agent's control API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a client for addr, given as host:port or a URL.
func NewClient(addr string, timeout time.Duration) *Client {
	base := addr
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	return &Client{
		baseURL:    strings.TrimRight(base, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Send issues a command. A rejected command is returned as a response with
// Accepted false, not as an error.
func (c *Client) Send(ctx context.Context, name protocol.CommandName) (*protocol.Response, error) {
	path, ok := commandPaths[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCommand, name)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	var resp protocol.Response
	if err := c.do(req, &resp, http.StatusAccepted, http.StatusConflict); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Status fetches the controller snapshot.
func (c *Client) Status(ctx context.Context) (*types.Status, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/v1/status", nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	var st types.Status
	if err := c.do(req, &st, http.StatusOK); err != nil {
		return nil, err
	}
	return &st, nil
}

// Events streams events to fn until ctx is cancelled or the agent closes
// the stream.
func (c *Client) Events(ctx context.Context, fn func(types.Event)) error {
	u, err := url.Parse(c.baseURL + "/api/v1/events")
	if err != nil {
		return err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("connecting to event stream: %w", err)
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	for {
		var msg protocol.Message
		if err := conn.ReadJSON(&msg); err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				return nil
			}
			return fmt.Errorf("reading event: %w", err)
		}
		if msg.Type != protocol.MessageTypeEvent {
			continue
		}
		var ev types.Event
		if err := msg.ParsePayload(&ev); err != nil {
			return fmt.Errorf("parsing event: %w", err)
		}
		fn(ev)
	}
}

func (c *Client) do(req *http.Request, out interface{}, okStatus ...int) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	for _, s := range okStatus {
		if resp.StatusCode == s {
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return fmt.Errorf("decoding response: %w", err)
			}
			return nil
		}
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
}
