package httpapi

import (
	"context"
	"net"
	"net/http"
	"time"

	"vimms-gateway/internal/config"
)

func NewServer(ctx context.Context, cfg config.Config, mux *http.ServeMux) *http.Server {
	return &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           requestLogger(mux),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
}
