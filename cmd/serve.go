package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"soundsync/core/watcher"
	"soundsync/logger"
	"soundsync/server"

	"github.com/spf13/cobra"
)

var (
	serveAddr      string
	serveNoWatch   bool
	serveSyncEvery time.Duration
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the local control server",
	Long: `Run the REST control server with its websocket event stream and the media
file server. On SIGINT/SIGTERM open requests drain and in-flight transfers
finish before the process exits.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := newApp(ctx, cfg, appOptions{})
		if err != nil {
			return err
		}
		defer a.Close()

		var w *watcher.Watcher
		if !serveNoWatch {
			w = watcher.New(a.media.Root(), a.coord, 0)
			if err := w.Start(ctx); err != nil {
				logger.Warn("media watcher disabled", logger.ErrorField(err))
				w = nil
			}
		}

		if serveSyncEvery > 0 {
			go periodicSync(ctx, a, serveSyncEvery)
		}

		addr := cfg.ServerAddr
		if serveAddr != "" {
			addr = serveAddr
		}
		srv := server.New(server.Options{
			Addr:        addr,
			Coordinator: a.coord,
			Guard:       a.guard,
			MediaRoot:   a.media.Root(),
			Workers:     cfg.DownloadWorkers,
		})
		err = srv.Run(ctx)
		stop()
		if w != nil {
			w.Wait()
		}
		return err
	},
}

func periodicSync(ctx context.Context, a *app, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := a.coord.SyncWithServer(ctx); err != nil {
				logger.Warn("periodic sync failed", logger.ErrorField(err))
			}
		}
	}
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (overrides SERVER_ADDR)")
	serveCmd.Flags().BoolVar(&serveNoWatch, "no-watch", false, "do not watch the media directory")
	serveCmd.Flags().DurationVar(&serveSyncEvery, "sync-every", 0, "sync with the server on this interval (0 disables)")
	rootCmd.AddCommand(serveCmd)
}
