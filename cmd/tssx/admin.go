package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/srediag/tssx/pkg/config"
	"github.com/srediag/tssx/pkg/health"
)

const adminShutdownTimeout = 2 * time.Second

func adminMux(cfg *config.Config) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	health.New(health.Options{
		SegmentDir:  cfg.SegmentDir,
		PayloadSize: cfg.PayloadSize,
	}).Mount(mux)
	return mux
}

// startAdmin serves the admin endpoints on addr until stop is called.
func startAdmin(addr string, cfg *config.Config) (stop func(), err error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	srv := &http.Server{Handler: adminMux(cfg), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Errorf("admin server: %v", err)
		}
	}()
	logger.Infof("admin server on %s", ln.Addr())
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), adminShutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}, nil
}
