package cli

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/mistakeknot/canvass/internal/offline"
)

func NewQueueCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and resolve the device's offline queue",
	}
	cmd.AddCommand(queueCountCmd(rootOpts))
	cmd.AddCommand(queueListCmd(rootOpts))
	cmd.AddCommand(queueDeadCmd(rootOpts))
	cmd.AddCommand(queueRequeueCmd(rootOpts))
	cmd.AddCommand(queueDiscardCmd(rootOpts))
	return cmd
}

func queueCountCmd(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "count",
		Short: "Number of pending writes",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := rootOpts.openDevice(cmd)
			if err != nil {
				return err
			}
			defer d.Logout()

			pending, err := d.Queue.Count()
			if err != nil {
				return err
			}
			dead, err := d.Queue.DeadLetters()
			if err != nil {
				return err
			}
			stats := offline.Stats{Pending: pending, Dead: len(dead)}
			return rootOpts.formatter(cmd).Result(stats, func(w io.Writer) {
				fmt.Fprintf(w, "%d pending", stats.Pending)
				if stats.Dead > 0 {
					fmt.Fprintf(w, ", %s", errColor.Sprintf("%d dead", stats.Dead))
				}
				fmt.Fprintln(w)
			})
		},
	}
}

func queueListCmd(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List pending writes in delivery order",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := rootOpts.openDevice(cmd)
			if err != nil {
				return err
			}
			defer d.Logout()

			entries, err := d.Queue.Entries()
			if err != nil {
				return err
			}
			return rootOpts.formatter(cmd).Result(entries, func(w io.Writer) {
				if len(entries) == 0 {
					fmt.Fprintln(w, subtleColor.Sprint("queue empty"))
					return
				}
				tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
				fmt.Fprintln(tw, headingColor.Sprint("ID\tCOLLECTION\tQUEUED\tATTEMPTS\tLAST ERROR"))
				for _, e := range entries {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n",
						e.ID, e.Collection, e.CreatedAt.Local().Format(time.DateTime), e.Attempts, e.LastError)
				}
				tw.Flush()
			})
		},
	}
}

func queueDeadCmd(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "dead",
		Short: "List writes that need a decision",
		Long: `List dead-lettered writes: rejected outright (e.g. another team was
already active at the location) or out of attempts. Resolve each with
"queue requeue <id>" or "queue discard <id>".`,
		Args: exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := rootOpts.openDevice(cmd)
			if err != nil {
				return err
			}
			defer d.Logout()

			dead, err := d.Queue.DeadLetters()
			if err != nil {
				return err
			}
			return rootOpts.formatter(cmd).Result(dead, func(w io.Writer) {
				if len(dead) == 0 {
					fmt.Fprintln(w, subtleColor.Sprint("no dead letters"))
					return
				}
				tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
				fmt.Fprintln(tw, headingColor.Sprint("ID\tCOLLECTION\tREASON\tERROR"))
				for _, e := range dead {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", e.ID, e.Collection, errColor.Sprint(e.Reason), e.LastError)
				}
				tw.Flush()
			})
		},
	}
}

func queueRequeueCmd(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "requeue <entry-id>",
		Short: "Retry a dead-lettered write",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := rootOpts.openDevice(cmd)
			if err != nil {
				return err
			}
			defer d.Logout()

			e, err := d.Queue.RequeueDeadLetter(args[0])
			if err != nil {
				return err
			}
			return rootOpts.formatter(cmd).Result(e, func(w io.Writer) {
				fmt.Fprintf(w, "%s %s\n", okColor.Sprint("requeued"), e.ID)
			})
		},
	}
}

func queueDiscardCmd(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "discard <entry-id>",
		Short: "Drop a dead-lettered write",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := rootOpts.openDevice(cmd)
			if err != nil {
				return err
			}
			defer d.Logout()

			if err := d.Queue.DiscardDeadLetter(args[0]); err != nil {
				return err
			}
			out := map[string]string{"discarded": args[0]}
			return rootOpts.formatter(cmd).Result(out, func(w io.Writer) {
				fmt.Fprintf(w, "%s %s\n", warnColor.Sprint("discarded"), args[0])
			})
		},
	}
}
