package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/mistakeknot/canvass/internal/checkin"
	"github.com/mistakeknot/canvass/internal/core"
)

func NewCheckinCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "checkin",
		Short: "Start, end and inspect check-in sessions",
	}
	cmd.AddCommand(checkinStartCmd(rootOpts))
	cmd.AddCommand(checkinEndCmd(rootOpts))
	cmd.AddCommand(checkinActiveCmd(rootOpts))
	return cmd
}

func checkinStartCmd(rootOpts *RootOptions) *cobra.Command {
	var notes string
	cmd := &cobra.Command{
		Use:   "start <location-id>",
		Short: "Start working a location",
		Long: `Start a check-in session at a location. Fails with exit code 3 when
another team is already active there. Offline, the start is queued and
any conflict surfaces when the device syncs.`,
		Args: exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := rootOpts.openDevice(cmd)
			if err != nil {
				return err
			}
			defer d.Logout()

			res, err := d.StartSession(cmd.Context(), args[0], notes)
			if err != nil {
				return err
			}
			return rootOpts.formatter(cmd).Result(res, func(w io.Writer) {
				fmt.Fprintf(w, "session %s started at %s [%s]\n", res.Session.ID, res.Session.LocationID, queuedLabel(res.Queued))
			})
		},
	}
	cmd.Flags().StringVar(&notes, "notes", "", "free-form notes")
	return cmd
}

func checkinEndCmd(rootOpts *RootOptions) *cobra.Command {
	var req checkin.EndRequest
	cmd := &cobra.Command{
		Use:   "end <session-id>",
		Short: "Complete a session with field feedback",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := rootOpts.openDevice(cmd)
			if err != nil {
				return err
			}
			defer d.Logout()

			req.SessionID = args[0]
			res, err := d.EndSession(cmd.Context(), req)
			if err != nil {
				return err
			}
			return rootOpts.formatter(cmd).Result(res, func(w io.Writer) {
				fmt.Fprintf(w, "session %s completed [%s]\n", res.Session.ID, queuedLabel(res.Queued))
			})
		},
	}
	cmd.Flags().StringVar(&req.Notes, "notes", "", "free-form notes")
	cmd.Flags().StringVar(&req.ClimateFeedback, "climate", "", "how residents received the team")
	cmd.Flags().StringVar(&req.DemandsFeedback, "demands", "", "demands raised by residents")
	cmd.Flags().StringVar(&req.LeadersIdentified, "leaders", "", "local leaders identified")
	return cmd
}

func checkinActiveCmd(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "active <location-id>",
		Short: "Show the active session at a location, if any",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := rootOpts.openDevice(cmd)
			if err != nil {
				return err
			}
			defer d.Logout()

			sess, ok, err := d.Checkins.ActiveSession(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out := struct {
				Active  bool                 `json:"active"`
				Session *core.CheckinSession `json:"session,omitempty"`
			}{Active: ok}
			if ok {
				out.Session = &sess
			}
			return rootOpts.formatter(cmd).Result(out, func(w io.Writer) {
				if !ok {
					fmt.Fprintf(w, "%s no active session at %s\n", okColor.Sprint("free"), args[0])
					return
				}
				fmt.Fprintf(w, "%s agent %s since %s (session %s)\n",
					warnColor.Sprint("busy"), sess.AgentID, sess.StartedAt.Local().Format(time.Kitchen), sess.ID)
			})
		},
	}
}
