package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/piy-print/piy/internal/api"
)

// shutdownTimeout is how long in-flight requests get to finish once a
// termination signal arrives. A running slice is abandoned after that.
const shutdownTimeout = 30 * time.Second

func newServeCmd(c *cli) *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP slicing service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if listen != "" {
				c.cfg.Server.Listen = listen
			}
			return c.serve(cmd.Context())
		},
	}
	cmd.Flags().StringVarP(&listen, "listen", "l", "", "Override server.listen, e.g. :5000")
	return cmd
}

func (c *cli) serve(parent context.Context) error {
	log := c.log()

	comps, err := buildComponents(c.cfg, log, "")
	if err != nil {
		return err
	}
	defer comps.Close()

	opts := []api.Option{
		api.WithLogger(log.Named("http")),
		api.WithSlicer(comps.slicer),
		api.WithController(comps.controller),
		api.WithMaxUploadBytes(c.cfg.Server.MaxUploadMB << 20),
		api.WithStaticDir(c.cfg.Server.StaticDir),
	}
	if comps.catalog != nil {
		opts = append(opts, api.WithCatalog(comps.catalog))
	}
	srv := api.NewServer(comps.orchestrator, comps.gcodesDir, opts...)

	var attach []func(*http.ServeMux) error
	if c.cfg.Server.Debug && comps.catalog != nil {
		attach = append(attach, comps.catalog.AttachAdminRoutes)
	}
	handler, err := srv.Handler(attach...)
	if err != nil {
		return err
	}

	if err := comps.slicer.CheckConfigured(); err != nil {
		log.Warnw("slicer is not usable; slicing requests will fail", "error", err)
	}

	ln, err := net.Listen("tcp", c.cfg.Server.Listen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", c.cfg.Server.Listen, err)
	}

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	server := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	log.Infow("listening", "addr", ln.Addr().String(), "slicer", comps.slicer.Variant(), "moonraker", c.cfg.Moonraker.URL)
	return runServer(ctx, server, ln, log)
}

// runServer serves on ln until ctx is done, then shuts server down
// gracefully, forcing it closed if in-flight requests outlive
// shutdownTimeout.
func runServer(ctx context.Context, server *http.Server, ln net.Listener, log *zap.SugaredLogger) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Infow("shutting down HTTP server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Warnw("HTTP server shutdown error", "error", err)
			// Force close the server if graceful shutdown fails
			return server.Close()
		}
		log.Infow("graceful shutdown complete")
		return nil
	})

	return g.Wait()
}
