package hub

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/drblury/peerwire/internal/runtime/logging"
)

const shutdownGrace = 5 * time.Second

// Run serves the hub on the configured listen address until ctx is
// cancelled, then closes the hub and shuts the server down.
func (h *Hub) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", h.cfg.ListenAddress)
	if err != nil {
		return err
	}
	return h.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (h *Hub) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           h.router,
		ReadHeaderTimeout: h.cfg.HandshakeTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		h.logger.Info("Hub listening", logging.LogFields{"address": ln.Addr().String(), "path": h.hubPath()})
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		closeErr := h.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		return errors.Join(closeErr, srv.Shutdown(shutdownCtx))
	})
	return g.Wait()
}
