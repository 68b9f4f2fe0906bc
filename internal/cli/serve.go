package cli

import (
	"github.com/spf13/cobra"

	"coronary3d/pkg/logging"
	"coronary3d/pkg/reconstruction"
	"coronary3d/pkg/server"
)

func newServeCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the reconstruction modes over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg := configFromContext(ctx)
			if addr != "" {
				cfg.Server.Addr = addr
			}
			srv := server.New(reconstruction.NewReconstructor(cfg), logging.FromContext(ctx))
			return srv.ListenAndServe(ctx)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.addr)")
	return cmd
}
