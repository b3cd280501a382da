package session

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/vango-go/callbridge/pkg/convai"
)

// Issuer produces a fresh signed agent URL for every session.
type Issuer interface {
	IssueSignedURL(ctx context.Context, agentID string) (convai.SignedURL, error)
}

// AgentDialer opens the agent leg.
type AgentDialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// WebsocketDialer dials the agent with gorilla/websocket.
type WebsocketDialer struct {
	Dialer *websocket.Dialer
}

func (d WebsocketDialer) Dial(ctx context.Context, url string) (Conn, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
		}
	}
	conn, resp, err := dialer.DialContext(ctx, url, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("agent handshake status %d: %w", resp.StatusCode, err)
		}
		return nil, err
	}
	return conn, nil
}
