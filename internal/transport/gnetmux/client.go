package gnetmux

import (
	"fmt"

	"github.com/albertbausili/hqsession/internal/eventloop"
	"github.com/panjf2000/gnet/v2"
	"github.com/rs/zerolog"
)

// Client dials mux connections. One Client can serve many connections.
type Client struct {
	gnet.BuiltinEventEngine
	cli    *gnet.Client
	logger zerolog.Logger
}

// NewClient starts a gnet client engine.
func NewClient(logger zerolog.Logger) (*Client, error) {
	c := &Client{logger: logger}
	cli, err := gnet.NewClient(c,
		gnet.WithLogger(newGnetLogger(logger)),
		gnet.WithTCPNoDelay(gnet.TCPNoDelay),
	)
	if err != nil {
		return nil, fmt.Errorf("gnetmux: create client: %w", err)
	}
	if err := cli.Start(); err != nil {
		return nil, fmt.Errorf("gnetmux: start client: %w", err)
	}
	c.cli = cli
	return c, nil
}

// Dial connects to addr. Callbacks for the returned connection run on loop.
// OnTransportReady follows once the socket is open; OnReplaySafe once the
// server's HANDSHAKE_DONE arrives.
func (c *Client) Dial(addr string, loop eventloop.Loop) (*Conn, error) {
	conn := newConn(loop, false, c.logger)
	gc, err := c.cli.DialContext("tcp", addr, conn)
	if err != nil {
		return nil, fmt.Errorf("gnetmux: dial %s: %w", addr, err)
	}
	conn.attach(gc)
	return conn, nil
}

// Close stops the client engine and every connection it owns.
func (c *Client) Close() error {
	return c.cli.Stop()
}

// OnOpen is called when a dialed connection is established
func (c *Client) OnOpen(gc gnet.Conn) ([]byte, gnet.Action) {
	conn, ok := gc.Context().(*Conn)
	if !ok {
		return nil, gnet.Close
	}
	conn.opened(gc)
	return nil, gnet.None
}

// OnTraffic is called when data is received on a connection
func (c *Client) OnTraffic(gc gnet.Conn) gnet.Action {
	conn, ok := gc.Context().(*Conn)
	if !ok {
		return gnet.Close
	}
	return conn.traffic(gc)
}

// OnClose is called when a connection is closed
func (c *Client) OnClose(gc gnet.Conn, err error) gnet.Action {
	if conn, ok := gc.Context().(*Conn); ok {
		conn.closedBy(err)
	}
	return gnet.None
}
