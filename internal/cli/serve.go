package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/mistakeknot/canvass/internal/auth"
	"github.com/mistakeknot/canvass/internal/config"
	"github.com/mistakeknot/canvass/internal/server"
)

func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	var addr, store, socket string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the canvass API server",
		Long: `Serve the check-in API, offline-queue delivery endpoint, dashboards
websocket and analytics.

--store takes a sqlite file path or a postgres:// DSN.`,
		Args: exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadServer(rootOpts.Config)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Addr = addr
			}
			if store != "" {
				cfg.Store = store
			}
			if socket != "" {
				cfg.Socket = socket
			}
			logger := rootOpts.logger(cmd)

			if cfg.KeysFile != "" {
				res, err := auth.BootstrapDevKey(cfg.KeysFile, "dev")
				if err != nil {
					return err
				}
				if res.Created {
					fmt.Fprintf(cmd.ErrOrStderr(), "created %s with a key for campaign %q: %s\n", res.KeysFile, res.Campaign, res.Key)
				}
			}

			app, err := server.Build(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer app.Close()
			return app.Run(cmd.Context())
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config)")
	cmd.Flags().StringVar(&store, "store", "", "sqlite path or postgres DSN")
	cmd.Flags().StringVar(&socket, "socket", "", "also listen on this unix socket")
	return cmd
}

func NewInitCommand(rootOpts *RootOptions) *cobra.Command {
	var keysFile string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Add an API key for a campaign to the keys file",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			campaign := rootOpts.Campaign
			if campaign == "" {
				return usageError("--campaign is required")
			}
			if keysFile == "" {
				keysFile = auth.ResolveKeysPath()
			}
			key, err := auth.AddKey(keysFile, campaign)
			if err != nil {
				return err
			}
			out := struct {
				KeysFile string `json:"keys_file"`
				Campaign string `json:"campaign"`
				Key      string `json:"key"`
			}{keysFile, campaign, key}
			return rootOpts.formatter(cmd).Result(out, func(w io.Writer) {
				fmt.Fprintf(w, "%s key for campaign %s in %s\n", okColor.Sprint("added"), campaign, keysFile)
				fmt.Fprintln(w, key)
			})
		},
	}
	cmd.Flags().StringVar(&keysFile, "keys-file", "", "keys file (default $CANVASS_KEYS_FILE or ./canvass.keys.yaml)")
	return cmd
}
