package ws

import (
	"github.com/luciancaetano/webmesh"
	"github.com/luciancaetano/webmesh/internal/websocket"
)

type Client = websocket.Client
type ClientConfig = websocket.ClientConfig
type ClientState = websocket.ClientState

var _ webmesh.Client = (*Client)(nil)

// NewClient creates a mesh client. A nil config connects to 127.0.0.1:4269.
//
// Example:
//
//	client := ws.NewClient(ws.NewClientConfig("127.0.0.1", 4269))
//	client.Start()
//	defer client.Close()
//
//	reply, err := client.Call(ctx, "/echo", map[string]any{"blop": 56})
func NewClient(cfg *ClientConfig) *Client {
	return websocket.NewClient(cfg)
}

// NewClientConfig returns a client configuration for host:port with defaults for everything else.
func NewClientConfig(host string, port int) *ClientConfig {
	return &ClientConfig{
		Host: host,
		Port: port,
	}
}
