package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"nhooyr.io/websocket"

	"github.com/memtree/memengine/internal/config"
	"github.com/memtree/memengine/internal/handler"
)

// newServeCmd starts the long-running process that backs query.watch: an
// HTTP server exposing a /watch WebSocket endpoint (§4 supplemented
// feature over §6 Query & Context), with an optional fsnotify config
// watch when --config is set. Each reload, or reload error, is logged;
// the running handler keeps the configuration it started with.
func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "run the query.watch WebSocket endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			var watcher *config.Watcher
			if configPath != "" {
				watcher, err = config.Watch(configPath, func(cfg *config.Config, err error) {
					if err != nil {
						fmt.Fprintf(os.Stderr, "config reload failed, keeping previous config: %v\n", err)
						return
					}
					fmt.Fprintf(os.Stderr, "config reloaded from %s\n", configPath)
				})
				if err != nil {
					fmt.Fprintf(os.Stderr, "config watch disabled: %v\n", err)
				} else {
					defer watcher.Close()
				}
			}

			cfg := a.h.Config()

			mux := http.NewServeMux()
			mux.HandleFunc("/watch", func(w http.ResponseWriter, r *http.Request) {
				if !cfg.WatchEnabled {
					http.Error(w, "query.watch is disabled (watch_enabled=false)", http.StatusServiceUnavailable)
					return
				}
				conn, err := websocket.Accept(w, r, nil)
				if err != nil {
					return
				}
				if err := a.h.ServeWatch(r.Context(), conn, handler.Principal{AgentID: agentID, IsAdmin: asAdmin}); err != nil {
					conn.Close(websocket.StatusInternalError, err.Error())
				}
			})

			addr := cfg.ListenAddr
			srv := &http.Server{Addr: addr, Handler: mux}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			errCh := make(chan error, 1)
			go func() { errCh <- srv.ListenAndServe() }()

			fmt.Fprintf(os.Stderr, "listening on %s (/watch)\n", addr)
			select {
			case <-ctx.Done():
				return srv.Close()
			case err := <-errCh:
				if err != nil && err != http.ErrServerClosed {
					return err
				}
				return nil
			}
		},
	}
}
