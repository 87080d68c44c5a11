package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/mistakeknot/canvass/client"
	"github.com/mistakeknot/canvass/internal/core"
)

func NewWatchCommand(rootOpts *RootOptions) *cobra.Command {
	var types []string
	var location string
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream the campaign's live events",
		Long: `Follow the campaign dashboard stream: check-ins starting and ending,
new locations, spend, and periodic analytics refreshes.

Examples:
  canvass watch --campaign recife --type session.started --type session.completed`,
		Args: exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, cfg, err := rootOpts.apiClient()
			if err != nil {
				return err
			}
			ws := client.NewWSClient(cfg.ServerURL, cfg.CampaignID, client.WithWSAPIKey(cfg.APIKey))

			filter := client.EventFilter{LocationID: location}
			for _, t := range types {
				filter.Types = append(filter.Types, core.EventType(t))
			}
			events := make(chan core.Event, 32)
			ws.OnEvent(client.FilteredEventHandler(filter, func(ev core.Event) {
				select {
				case events <- ev:
				default:
				}
			}))
			if err := ws.Connect(cmd.Context()); err != nil {
				return err
			}
			defer ws.Close()

			f := rootOpts.formatter(cmd)
			for {
				select {
				case <-cmd.Context().Done():
					return nil
				case ev := <-events:
					if err := f.Result(ev, func(w io.Writer) { renderEvent(w, ev) }); err != nil {
						return err
					}
				}
			}
		},
	}
	cmd.Flags().StringSliceVar(&types, "type", nil, "only these event types (repeatable)")
	cmd.Flags().StringVar(&location, "location", "", "only events for this location")
	return cmd
}

func renderEvent(w io.Writer, ev core.Event) {
	ts := subtleColor.Sprint(ev.At.Local().Format("15:04:05"))
	switch ev.Type {
	case core.EventSessionStarted:
		fmt.Fprintf(w, "%s %s session %s at %s\n", ts, warnColor.Sprint("started"), ev.SessionID, ev.LocationID)
	case core.EventSessionCompleted:
		fmt.Fprintf(w, "%s %s session %s at %s\n", ts, okColor.Sprint("completed"), ev.SessionID, ev.LocationID)
	case core.EventLocationCreated:
		fmt.Fprintf(w, "%s new location %s\n", ts, ev.LocationID)
	default:
		fmt.Fprintf(w, "%s %s\n", ts, ev.Type)
	}
}
