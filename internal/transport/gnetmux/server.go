package gnetmux

import (
	"context"
	"sync"
	"time"

	"github.com/albertbausili/hqsession/internal/eventloop"
	"github.com/panjf2000/gnet/v2"
	"github.com/rs/zerolog"
)

// AcceptFunc is called on the connection's event loop for every accepted
// connection. It must install a callback with SetCallback.
type AcceptFunc func(conn *Conn)

// ServerConfig holds server configuration
type ServerConfig struct {
	Addr         string
	Multicore    bool
	NumEventLoop int
	ReusePort    bool
	Logger       zerolog.Logger
}

// Server accepts mux connections. Each connection gets its own event loop.
type Server struct {
	gnet.BuiltinEventEngine
	accept       AcceptFunc
	connections  sync.Map // map[gnet.Conn]*Conn
	addr         string
	multicore    bool
	numEventLoop int
	reusePort    bool
	logger       zerolog.Logger
	engine       gnet.Engine
	booted       chan struct{}
	bootOnce     sync.Once
}

// NewServer creates a mux server
func NewServer(accept AcceptFunc, config ServerConfig) *Server {
	return &Server{
		accept:       accept,
		addr:         config.Addr,
		multicore:    config.Multicore,
		numEventLoop: config.NumEventLoop,
		reusePort:    config.ReusePort,
		logger:       config.Logger,
		booted:       make(chan struct{}),
	}
}

// Start runs the gnet engine and blocks until it stops.
func (s *Server) Start() error {
	options := []gnet.Option{
		gnet.WithMulticore(s.multicore),
		gnet.WithReusePort(s.reusePort),
		gnet.WithLogger(newGnetLogger(s.logger)),
		gnet.WithTCPNoDelay(gnet.TCPNoDelay),
	}

	if s.numEventLoop > 0 {
		options = append(options, gnet.WithNumEventLoop(s.numEventLoop))
	}

	s.logger.Info().Str("addr", s.addr).Msg("starting mux server")
	return gnet.Run(s, "tcp://"+s.addr, options...)
}

// Booted is closed once the server is listening.
func (s *Server) Booted() <-chan struct{} { return s.booted }

// Stop closes every connection and stops the engine.
func (s *Server) Stop(ctx context.Context) error {
	s.connections.Range(func(_, value any) bool {
		if conn, ok := value.(*Conn); ok {
			conn.loop.RunInLoop(func() { conn.Close(CodeNoError, "server shutdown") })
		}
		return true
	})

	stopCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := s.engine.Stop(stopCtx); err != nil {
		s.logger.Warn().Err(err).Msg("stopping gnet engine")
	}
	s.logger.Info().Msg("mux server stopped")
	return nil
}

// OnBoot is called when the server is ready to accept connections
func (s *Server) OnBoot(eng gnet.Engine) gnet.Action {
	s.engine = eng
	s.logger.Info().Str("addr", s.addr).Bool("multicore", s.multicore).Msg("mux server listening")
	s.bootOnce.Do(func() { close(s.booted) })
	return gnet.None
}

// OnOpen is called when a new connection is opened
func (s *Server) OnOpen(gc gnet.Conn) ([]byte, gnet.Action) {
	loop := eventloop.New(0)
	loop.Start()
	conn := newConn(loop, true, s.logger)
	conn.onFinished = func() { go loop.Stop() }
	gc.SetContext(conn)
	s.connections.Store(gc, conn)
	loop.RunInLoop(func() { s.accept(conn) })
	conn.opened(gc)
	s.logger.Debug().Str("peer", gc.RemoteAddr().String()).Msg("new connection")
	return nil, gnet.None
}

// OnClose is called when a connection is closed
func (s *Server) OnClose(gc gnet.Conn, err error) gnet.Action {
	if v, ok := s.connections.LoadAndDelete(gc); ok {
		v.(*Conn).closedBy(err)
	}
	if err != nil {
		s.logger.Debug().Err(err).Msg("connection closed with error")
	}
	return gnet.None
}

// OnTraffic is called when data is received on a connection
func (s *Server) OnTraffic(gc gnet.Conn) gnet.Action {
	conn, ok := gc.Context().(*Conn)
	if !ok {
		s.logger.Warn().Msg("connection not found")
		return gnet.Close
	}
	return conn.traffic(gc)
}
