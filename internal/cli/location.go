package cli

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/mistakeknot/canvass/internal/core"
)

func NewLocationCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "location",
		Short: "Register and list canvassing locations",
	}
	cmd.AddCommand(locationAddCmd(rootOpts))
	cmd.AddCommand(locationListCmd(rootOpts))
	return cmd
}

func locationAddCmd(rootOpts *RootOptions) *cobra.Command {
	var neighborhood, city string
	cmd := &cobra.Command{
		Use:   "add <name>",
		Short: "Register a street or segment",
		Long: `Register a location in the campaign. Names are unique per campaign,
ignoring case, accents and repeated spaces. Offline, the location is
queued with a device-chosen id that check-ins can use right away.

Examples:
  canvass location add "Rua da Aurora" --city Recife --neighborhood "Boa Vista"`,
		Args: exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := rootOpts.openDevice(cmd)
			if err != nil {
				return err
			}
			defer d.Logout()

			loc, queued, err := d.CreateLocation(cmd.Context(), core.Location{
				Name: args[0], Neighborhood: neighborhood, City: city,
			})
			if err != nil {
				return err
			}
			out := struct {
				Location core.Location `json:"location"`
				Queued   bool          `json:"queued"`
			}{loc, queued}
			return rootOpts.formatter(cmd).Result(out, func(w io.Writer) {
				fmt.Fprintf(w, "%s %s [%s]\n", loc.ID, loc.Name, queuedLabel(queued))
			})
		},
	}
	cmd.Flags().StringVar(&neighborhood, "neighborhood", "", "neighborhood")
	cmd.Flags().StringVar(&city, "city", "", "city")
	return cmd
}

func locationListCmd(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the campaign's locations",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, cfg, err := rootOpts.apiClient()
			if err != nil {
				return err
			}
			locations, err := c.ListLocationsByCampaign(cmd.Context(), cfg.CampaignID)
			if err != nil {
				return err
			}
			return rootOpts.formatter(cmd).Result(locations, func(w io.Writer) {
				if len(locations) == 0 {
					fmt.Fprintln(w, subtleColor.Sprint("no locations"))
					return
				}
				tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
				fmt.Fprintln(tw, headingColor.Sprint("ID\tNAME\tNEIGHBORHOOD\tCITY"))
				for _, l := range locations {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", l.ID, l.Name, l.Neighborhood, l.City)
				}
				tw.Flush()
			})
		},
	}
}
