package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mistakeknot/canvass/client"
	"github.com/mistakeknot/canvass/internal/config"
	"github.com/mistakeknot/canvass/internal/device"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose bool
	Format  string // "json" | "text"
	Config  string

	// Device overrides; empty values keep the configured ones.
	Server   string
	Campaign string
	Agent    string
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "canvass",
		Short: "Field check-in tracking for canvassing campaigns",
		Long: `canvass coordinates field teams working the same streets: one active
check-in per location, offline work queued on the device and synced on
reconnect, and recurrence/effectiveness analytics for coordinators.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return usageError("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
	}
	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return &ExitError{Code: ExitUsage, Err: err}
	})

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVar(&opts.Config, "config", "", "YAML config file (default $"+config.PathEnv+")")
	cmd.PersistentFlags().StringVar(&opts.Server, "server", "", "server URL")
	cmd.PersistentFlags().StringVar(&opts.Campaign, "campaign", "", "campaign id")
	cmd.PersistentFlags().StringVar(&opts.Agent, "agent", "", "agent id")

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewInitCommand(opts))
	cmd.AddCommand(NewLocationCommand(opts))
	cmd.AddCommand(NewCheckinCommand(opts))
	cmd.AddCommand(NewQueueCommand(opts))
	cmd.AddCommand(NewSyncCommand(opts))
	cmd.AddCommand(NewAgentCommand(opts))
	cmd.AddCommand(NewAlertsCommand(opts))
	cmd.AddCommand(NewRankingCommand(opts))
	cmd.AddCommand(NewSpendCommand(opts))
	cmd.AddCommand(NewWatchCommand(opts))

	return cmd
}

// Execute runs the CLI and returns the process exit code.
func Execute(args []string, stdout, stderr io.Writer) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd := NewRootCommand()
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	err := cmd.ExecuteContext(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "%s %v\n", errColor.Sprint("error:"), err)
	}
	return ExitCode(err)
}

func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}

func exactArgs(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if len(args) != n {
			return usageError("%s expects %d argument(s), got %d", cmd.CommandPath(), n, len(args))
		}
		return nil
	}
}

func (o *RootOptions) formatter(cmd *cobra.Command) *OutputFormatter {
	return newFormatter(o.Format, cmd.OutOrStdout())
}

// logger writes to stderr so JSON output stays clean.
func (o *RootOptions) logger(cmd *cobra.Command) *slog.Logger {
	level := slog.LevelInfo
	if o.Verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))
}

func (o *RootOptions) deviceConfig() (config.Device, error) {
	cfg, err := config.LoadDevice(o.Config)
	if err != nil {
		return config.Device{}, err
	}
	if o.Server != "" {
		cfg.ServerURL = o.Server
	}
	if o.Campaign != "" {
		cfg.CampaignID = o.Campaign
	}
	if o.Agent != "" {
		cfg.AgentID = o.Agent
	}
	return cfg, nil
}

// openDevice logs the device in; callers must Logout.
func (o *RootOptions) openDevice(cmd *cobra.Command) (*device.Device, error) {
	cfg, err := o.deviceConfig()
	if err != nil {
		return nil, err
	}
	return device.Login(cmd.Context(), cfg, device.WithLogger(o.logger(cmd)))
}

// apiClient talks to the server directly, for read-only commands that
// need no device state.
func (o *RootOptions) apiClient() (*client.Client, config.Device, error) {
	cfg, err := o.deviceConfig()
	if err != nil {
		return nil, config.Device{}, err
	}
	if cfg.CampaignID == "" {
		return nil, config.Device{}, usageError("campaign is required (--campaign or CANVASS_CAMPAIGN)")
	}
	c := client.New(cfg.ServerURL, client.WithAPIKey(cfg.APIKey), client.WithCampaign(cfg.CampaignID))
	return c, cfg, nil
}
