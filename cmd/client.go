package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/nextlevelbuilder/agentgate/internal/config"
	"github.com/nextlevelbuilder/agentgate/pkg/protocol"
)

// wsClient is a minimal RPC client for the gateway control plane, used
// by the doctor and tail subcommands.
type wsClient struct {
	conn   *websocket.Conn
	mu     sync.Mutex
	nextID int
}

// helloInfo is the payload the gateway returns on a successful hello.
type helloInfo struct {
	InstanceID      string   `json:"instance_id"`
	ProtocolVersion int      `json:"protocol_version"`
	Features        []string `json:"features"`
	LastSeq         uint64   `json:"last_seq"`
	Replayed        int      `json:"replayed"`
}

func resolveAPIKey() string {
	if v := os.Getenv("AGW_API_KEY"); v != "" {
		return v
	}
	// The gateway reads the same variable; the first key works for the CLI.
	if v := os.Getenv("AGW_API_KEYS"); v != "" {
		return strings.Split(v, ",")[0]
	}
	return ""
}

// dialGateway connects, authenticates and returns the handshake info.
func dialGateway(ctx context.Context, cfg *config.Config, afterSeq uint64) (*wsClient, *helloInfo, error) {
	host := cfg.Gateway.Host
	if host == "" || host == "0.0.0.0" {
		host = "127.0.0.1"
	}
	url := fmt.Sprintf("ws://%s:%d/ws", host, cfg.Gateway.Port)
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("dial %s: %w", url, err)
	}
	conn.SetReadLimit(1 << 20)

	c := &wsClient{conn: conn}
	payload := map[string]any{"api_key": resolveAPIKey(), "client": "cli"}
	if afterSeq > 0 {
		payload["after_seq"] = afterSeq
	}
	resp, err := c.call(ctx, protocol.MethodHello, payload)
	if err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		return nil, nil, err
	}
	var info helloInfo
	if err := json.Unmarshal(resp, &info); err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		return nil, nil, fmt.Errorf("decode hello: %w", err)
	}
	return c, &info, nil
}

// call sends one request and blocks until its response arrives. Event
// frames received while waiting are discarded.
func (c *wsClient) call(ctx context.Context, method string, payload any) (json.RawMessage, error) {
	c.mu.Lock()
	c.nextID++
	id := "cli_" + strconv.Itoa(c.nextID)
	c.mu.Unlock()

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	frame := protocol.RequestFrame{
		Type:    protocol.PrefixRequest + method,
		ID:      id,
		TS:      time.Now().UTC(),
		Payload: raw,
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return nil, err
	}
	if err := c.write(ctx, data); err != nil {
		return nil, err
	}

	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			return nil, fmt.Errorf("read response: %w", err)
		}
		var resp struct {
			Type    string              `json:"type"`
			ID      string              `json:"id"`
			OK      bool                `json:"ok"`
			Payload json.RawMessage     `json:"payload,omitempty"`
			Error   *protocol.ErrorInfo `json:"error,omitempty"`
		}
		if err := json.Unmarshal(data, &resp); err != nil {
			return nil, fmt.Errorf("decode frame: %w", err)
		}
		if !strings.HasPrefix(resp.Type, protocol.PrefixResponse) || resp.ID != id {
			continue
		}
		if !resp.OK {
			if resp.Error != nil {
				return nil, fmt.Errorf("%s: %s", resp.Error.Kind, resp.Error.Message)
			}
			return nil, fmt.Errorf("%s failed", method)
		}
		return resp.Payload, nil
	}
}

// readEvent blocks until the next event frame.
func (c *wsClient) readEvent(ctx context.Context) (*protocol.EventFrame, error) {
	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			return nil, err
		}
		var frame protocol.EventFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			continue
		}
		if strings.HasPrefix(frame.Type, protocol.PrefixEvent) {
			return &frame, nil
		}
	}
}

func (c *wsClient) write(ctx context.Context, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.Write(ctx, websocket.MessageText, data)
}

func (c *wsClient) close() {
	c.conn.Close(websocket.StatusNormalClosure, "")
}
