// Command bifrost runs the HTTP/2 → HTTP/1.x reverse-proxy bridge.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/albertbausili/bifrost/pkg/bifrost"
)

func main() {
	cfg := bifrost.DefaultConfig()
	cfg.Logger = log.New(os.Stderr, "bifrost ", log.LstdFlags)

	flag.StringVar(&cfg.Addr, "addr", cfg.Addr, "listen address for HTTP/2 clients")
	flag.StringVar(&cfg.OriginAddr, "origin", cfg.OriginAddr, "HTTP/1.x origin address")
	flag.BoolVar(&cfg.Multicore, "multicore", cfg.Multicore, "enable multicore mode")
	flag.IntVar(&cfg.NumEventLoop, "loops", cfg.NumEventLoop, "number of event loops (0 = auto)")
	flag.BoolVar(&cfg.HTTP2Proxy, "http2-proxy", cfg.HTTP2Proxy, "run as HTTP/2 forward proxy")
	flag.BoolVar(&cfg.NoVia, "no-via", cfg.NoVia, "do not append a via header")
	flag.StringVar(&cfg.ClientScheme, "frontend-scheme", cfg.ClientScheme, "client-facing scheme (http or https)")
	flag.IntVar(&cfg.Port, "frontend-port", cfg.Port, "client-facing port for Location rewriting")
	winBits := flag.Uint("window-bits", uint(cfg.WindowBits), "per-stream window bits")
	connBits := flag.Uint("connection-window-bits", uint(cfg.ConnectionWindowBits), "connection window bits")
	streams := flag.Uint("max-streams", uint(cfg.MaxConcurrentStreams), "max concurrent streams per session")
	flag.BoolVar(&cfg.EnableTracing, "tracing", cfg.EnableTracing, "enable per-stream OpenTelemetry spans")
	metricsAddr := flag.String("metrics-addr", "", "address serving /metrics (empty = disabled)")
	flag.Parse()

	cfg.WindowBits = uint8(*winBits)
	cfg.ConnectionWindowBits = uint8(*connBits)
	cfg.MaxConcurrentStreams = uint32(*streams)

	if err := cfg.Validate(); err != nil {
		cfg.Logger.Fatalf("invalid configuration: %v", err)
	}

	if *metricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(*metricsAddr, mux); err != nil {
				cfg.Logger.Printf("metrics server: %v", err)
			}
		}()
	}

	srv := bifrost.New(cfg)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		cfg.Logger.Printf("shutting down")
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Stop(ctx); err != nil {
			cfg.Logger.Printf("shutdown: %v", err)
		}
	}()

	if err := srv.Run(); err != nil {
		cfg.Logger.Fatalf("server exited: %v", err)
	}
}
