package cmd

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/theapemachine/memcube/pkg/service"
)

var (
	listenFlag      string
	shutdownTimeout time.Duration

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Serve the memory HTTP API",
		Long:  longServe,
		RunE: func(cmd *cobra.Command, args []string) error {
			if listenFlag != "" {
				viper.Set("server.listen", listenFlag)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			mem, err := buildStack(ctx, viper.GetViper())
			if err != nil {
				return err
			}

			mem.scheduler.Start(ctx)

			srv := service.NewMemoryServer(service.Config{
				Addr:    viper.GetString("server.listen"),
				Metrics: mem.metrics.GetMetrics,
				Ready:   mem.ready,
			}, mem.orchestrator, mem.scheduler, mem.audit, mem.auth)

			errs := make(chan error, 1)

			go func() {
				errs <- srv.Start()
			}()

			select {
			case err = <-errs:
			case <-ctx.Done():
				log.Info("shutting down")
			}

			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
			defer cancel()

			if shutdownErr := srv.Shutdown(shutdownCtx); shutdownErr != nil {
				err = errors.Join(err, shutdownErr)
			}

			mem.close(shutdownCtx)

			return err
		},
	}
)

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVarP(&listenFlag, "listen", "l", "", "Address to listen on, overrides server.listen")
	serveCmd.Flags().DurationVar(&shutdownTimeout, "shutdown-timeout", 15*time.Second, "Time allowed to drain requests and queued tasks")
}

var longServe = `
Serve the memory API over HTTP. The backends are chosen from the config file
and the environment once, at startup.

Examples:
  # Serve on the configured address
  memcube serve

  # Serve on port 9000 with a Qdrant vector store
  MEMCUBE_VECTOR_BACKEND=qdrant QDRANT_URL=http://localhost:6333 memcube serve --listen :9000
`
