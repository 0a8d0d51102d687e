// Package bifrost provides the embeddable HTTP/2 → HTTP/1.x reverse-proxy
// bridge server.
package bifrost

import (
	"fmt"
	"io"
	"log"
	"time"
)

// Config holds the proxy configuration.
type Config struct {
	Addr       string // listen address for HTTP/2 clients
	OriginAddr string // HTTP/1.x origin to relay to

	Multicore    bool // enable multicore mode
	NumEventLoop int  // number of event loops (0 for auto-detect)
	ReusePort    bool // enable SO_REUSEPORT

	MaxConcurrentStreams uint32 // advertised concurrent stream limit
	WindowBits           uint8  // per-stream window = 2^bits - 1
	ConnectionWindowBits uint8  // connection window = 2^bits - 1 (>16 enlarges)
	MaxHeaderListSize    int    // raw request header budget per stream

	HTTP2Proxy bool // forward-proxy validation rules, no Location rewrite
	NoVia      bool // pass upstream via through untouched

	ServerName   string // token used in via and error pages
	ClientScheme string // client-facing scheme for Location rewriting
	Port         int    // client-facing port for Location rewriting

	UpstreamReadTimeout  time.Duration // client-side read timeout
	UpstreamWriteTimeout time.Duration // client-side write timeout
	OriginDialTimeout    time.Duration
	OriginReadTimeout    time.Duration
	OriginWriteTimeout   time.Duration

	EnableTracing bool // per-stream OpenTelemetry spans

	Logger *log.Logger
}

// newSilentLogger creates a logger that discards all output.
func newSilentLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

// DefaultConfig returns a Config with sensible default values.
func DefaultConfig() Config {
	return Config{
		Addr:                 ":3000",
		OriginAddr:           "127.0.0.1:8080",
		Multicore:            true,
		ReusePort:            true,
		MaxConcurrentStreams: 100,
		WindowBits:           16,
		ConnectionWindowBits: 16,
		MaxHeaderListSize:    64 * 1024,
		ServerName:           "bifrost",
		ClientScheme:         "http",
		UpstreamReadTimeout:  180 * time.Second,
		UpstreamWriteTimeout: 30 * time.Second,
		OriginDialTimeout:    10 * time.Second,
		OriginReadTimeout:    180 * time.Second,
		OriginWriteTimeout:   30 * time.Second,
		Logger:               newSilentLogger(),
	}
}

// Validate checks and normalizes the configuration values.
func (c *Config) Validate() error {
	if c.Addr == "" {
		c.Addr = ":3000"
	}
	if c.OriginAddr == "" {
		return fmt.Errorf("bifrost: OriginAddr is required")
	}
	if c.MaxConcurrentStreams == 0 {
		c.MaxConcurrentStreams = 100
	}
	if c.WindowBits == 0 {
		c.WindowBits = 16
	}
	if c.WindowBits > 30 {
		c.WindowBits = 30
	}
	if c.ConnectionWindowBits == 0 {
		c.ConnectionWindowBits = 16
	}
	if c.ConnectionWindowBits > 30 {
		c.ConnectionWindowBits = 30
	}
	if c.MaxHeaderListSize == 0 {
		c.MaxHeaderListSize = 64 * 1024
	}
	if c.ServerName == "" {
		c.ServerName = "bifrost"
	}
	if c.ClientScheme != "http" && c.ClientScheme != "https" {
		c.ClientScheme = "http"
	}
	if c.Logger == nil {
		c.Logger = log.Default()
	}
	return nil
}
