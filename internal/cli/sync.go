package cli

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/mistakeknot/canvass/internal/core"
)

var errServerUnreachable = errors.New("server unreachable; queued writes kept")

func NewSyncCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Deliver queued writes now",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := rootOpts.openDevice(cmd)
			if err != nil {
				return err
			}
			defer d.Logout()

			if !d.Signal.Online() {
				return errServerUnreachable
			}
			res, err := d.Reconciler.Sync(cmd.Context())
			if err != nil {
				return err
			}
			return rootOpts.formatter(cmd).Result(res, func(w io.Writer) {
				fmt.Fprintf(w, "%s synced, %d failed, %d deferred",
					okColor.Sprintf("%d", res.Synced), res.Failed, res.Deferred)
				if res.DeadLettered > 0 {
					fmt.Fprintf(w, ", %s", errColor.Sprintf("%d dead-lettered", res.DeadLettered))
				}
				fmt.Fprintln(w)
			})
		},
	}
}

func NewAgentCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "agent",
		Short: "Keep the device in sync until interrupted",
		Long: `Probe the server, deliver queued writes on every reconnect and retry
deferred ones on the configured interval. Stops on Ctrl-C.`,
		Args: exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := rootOpts.openDevice(cmd)
			if err != nil {
				return err
			}
			defer d.Logout()

			events, unsub := d.Bus.Subscribe(core.EventSyncCompleted, core.EventQueueChanged)
			defer unsub()
			d.Start(cmd.Context())

			f := rootOpts.formatter(cmd)
			for {
				select {
				case <-cmd.Context().Done():
					return nil
				case ev := <-events:
					if err := f.Result(ev, func(w io.Writer) {
						fmt.Fprintf(w, "%s %s %v\n", subtleColor.Sprint(ev.At.Local().Format("15:04:05")), ev.Type, ev.Data)
					}); err != nil {
						return err
					}
				}
			}
		},
	}
}
