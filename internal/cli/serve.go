package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/mesh-intelligence/docsync/internal/relay"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd() *cobra.Command {
	var (
		listen string
		token  string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the relay server for remote clients",
		Long: `Serve documents of the local store to remote clients over HTTP and
websockets. Remote clients point remote_url at this server.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if listen == "" {
				listen = conf.Listen
			}
			if token == "" {
				token = conf.Token
			}
			st, err := openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			srv := relay.New(relay.Options{Store: st, Token: token, Logger: slog.Default()})
			defer srv.Close()

			ln, err := net.Listen("tcp", listen)
			if err != nil {
				return fmt.Errorf("listen: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "docsync relay listening on %s\n", ln.Addr())
			return serve(cmd.Context(), ln, srv.Handler())
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "listen address (default from config.yaml, else "+defaultListen+")")
	cmd.Flags().StringVar(&token, "token", "", "bearer token required from clients")
	return cmd
}

// serve runs handler on ln until ctx is done, then shuts down gracefully.
func serve(ctx context.Context, ln net.Listener, handler http.Handler) error {
	hs := &http.Server{Handler: handler, ReadHeaderTimeout: 10 * time.Second}
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := hs.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		slog.Info("relay shutting down")
		return hs.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
