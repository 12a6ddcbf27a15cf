package ipc

import (
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"
	"time"
)

// Client provides RPC access to the daemon.
type Client struct {
	conn   net.Conn
	client *rpc.Client
}

// Dial connects to the IPC server at the given socket path.
func Dial(path string) (*Client, error) {
	conn, err := net.DialTimeout("unix", path, 2*time.Second)
	if err != nil {
		return nil, err
	}
	rpcClient := rpc.NewClientWithCodec(jsonrpc.NewClientCodec(conn))
	return &Client{conn: conn, client: rpcClient}, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	if c.client != nil {
		_ = c.client.Close()
	}
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

func call[Resp any](c *Client, method string, req any) (*Resp, error) {
	var resp Resp
	if err := c.client.Call("Reel."+method, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Next advances the active pool and shows the pick.
func (c *Client) Next() (*ShowResponse, error) {
	return call[ShowResponse](c, "Next", NextRequest{})
}

// Switch activates mode ("video" or "image").
func (c *Client) Switch(mode string) (*ShowResponse, error) {
	return call[ShowResponse](c, "Switch", SwitchRequest{Mode: mode})
}

// Reset rescans the directory for mode.
func (c *Client) Reset(mode string) (*ResetResponse, error) {
	return call[ResetResponse](c, "Reset", ResetRequest{Mode: mode})
}

// Status retrieves the daemon status.
func (c *Client) Status() (*StatusResponse, error) {
	return call[StatusResponse](c, "Status", StatusRequest{})
}

// Pool retrieves the weight listing for mode.
func (c *Client) Pool(mode string) (*PoolResponse, error) {
	return call[PoolResponse](c, "Pool", PoolRequest{Mode: mode})
}

// Stop asks the daemon process to exit.
func (c *Client) Stop() (*StopResponse, error) {
	return call[StopResponse](c, "Stop", StopRequest{})
}

// CacheStats retrieves rendition cache usage.
func (c *Client) CacheStats() (*CacheStatsResponse, error) {
	return call[CacheStatsResponse](c, "CacheStats", CacheStatsRequest{})
}

// CachePrune removes renditions that are not playing.
func (c *Client) CachePrune() (*CachePruneResponse, error) {
	return call[CachePruneResponse](c, "CachePrune", CachePruneRequest{})
}

// CacheWarm triggers a preload pass.
func (c *Client) CacheWarm() (*CacheWarmResponse, error) {
	return call[CacheWarmResponse](c, "CacheWarm", CacheWarmRequest{})
}
