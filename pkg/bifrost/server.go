package bifrost

import (
	"context"

	"github.com/albertbausili/bifrost/internal/bridge"
	"github.com/albertbausili/bifrost/internal/date"
	"github.com/albertbausili/bifrost/internal/mux"
	"github.com/albertbausili/bifrost/internal/origin"
)

// Server is the HTTP/2 reverse-proxy bridge.
type Server struct {
	config   Config
	front    *mux.Server
	stopDate func()
}

// New creates a Server with the given configuration.
func New(config Config) *Server {
	_ = config.Validate()
	return &Server{config: config}
}

// NewWithDefaults creates a Server with the default configuration.
func NewWithDefaults() *Server {
	return New(DefaultConfig())
}

// Run starts the proxy; it blocks until the engine stops.
func (s *Server) Run() error {
	s.stopDate = date.StartTicker()
	s.front = mux.NewServer(mux.Config{
		Addr:         s.config.Addr,
		OriginAddr:   s.config.OriginAddr,
		Multicore:    s.config.Multicore,
		NumEventLoop: s.config.NumEventLoop,
		ReusePort:    s.config.ReusePort,
		Logger:       s.config.Logger,
		Bridge: bridge.Config{
			MaxConcurrentStreams: s.config.MaxConcurrentStreams,
			WindowBits:           s.config.WindowBits,
			ConnectionWindowBits: s.config.ConnectionWindowBits,
			MaxHeaderListSize:    s.config.MaxHeaderListSize,
			HTTP2Proxy:           s.config.HTTP2Proxy,
			NoVia:                s.config.NoVia,
			ServerName:           s.config.ServerName,
			ClientScheme:         s.config.ClientScheme,
			Port:                 s.config.Port,
			UpstreamReadTimeout:  s.config.UpstreamReadTimeout,
			UpstreamWriteTimeout: s.config.UpstreamWriteTimeout,
			TracingEnabled:       s.config.EnableTracing,
			Logger:               s.config.Logger,
		},
		Origin: origin.Options{
			DialTimeout:  s.config.OriginDialTimeout,
			ReadTimeout:  s.config.OriginReadTimeout,
			WriteTimeout: s.config.OriginWriteTimeout,
			Logger:       s.config.Logger,
		},
	})
	return s.front.Start()
}

// Stop gracefully stops the proxy: live sessions get GOAWAY, then the
// engine halts.
func (s *Server) Stop(ctx context.Context) error {
	if s.stopDate != nil {
		s.stopDate()
		s.stopDate = nil
	}
	if s.front == nil {
		return nil
	}
	return s.front.Stop(ctx)
}
