package cli

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/mistakeknot/canvass/internal/analytics"
)

func NewAlertsCommand(rootOpts *RootOptions) *cobra.Command {
	var threshold int
	cmd := &cobra.Command{
		Use:   "alerts",
		Short: "Locations not visited for too long",
		Long: `List locations whose most recent completed visit is at least
--threshold days old, stalest first. Locations never visited are not
listed.`,
		Args: exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			if threshold < 1 {
				return usageError("--threshold must be at least 1")
			}
			c, cfg, err := rootOpts.apiClient()
			if err != nil {
				return err
			}
			alerts, err := c.RecurrenceAlerts(cmd.Context(), cfg.CampaignID, threshold)
			if err != nil {
				return err
			}
			return rootOpts.formatter(cmd).Result(alerts, func(w io.Writer) {
				renderAlerts(w, alerts)
			})
		},
	}
	cmd.Flags().IntVar(&threshold, "threshold", analytics.DefaultThresholdDays, "days without a visit before alerting")
	return cmd
}

func renderAlerts(w io.Writer, alerts []analytics.RecurrenceAlert) {
	if len(alerts) == 0 {
		fmt.Fprintln(w, okColor.Sprint("every visited location is within the threshold"))
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, headingColor.Sprint("DAYS\tLOCATION\tNEIGHBORHOOD\tCITY"))
	for _, a := range alerts {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n",
			warnColor.Sprintf("%d", a.DaysSinceLastVisit), a.LocationName, a.Neighborhood, a.City)
	}
	tw.Flush()
}

func NewRankingCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "ranking",
		Short: "Cities ranked by approved spend per visited location",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, cfg, err := rootOpts.apiClient()
			if err != nil {
				return err
			}
			ranking, err := c.EffectivenessRanking(cmd.Context(), cfg.CampaignID)
			if err != nil {
				return err
			}
			f := rootOpts.formatter(cmd)
			return f.Result(ranking, func(w io.Writer) {
				renderRanking(f, w, ranking)
			})
		},
	}
}

func renderRanking(f *OutputFormatter, w io.Writer, ranking []analytics.EffectivenessEntry) {
	if len(ranking) == 0 {
		fmt.Fprintln(w, subtleColor.Sprint("no visits or approved spend yet"))
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, headingColor.Sprint("#\tCITY\tVISITED\tSPEND\tPER LOCATION"))
	for i, e := range ranking {
		city := e.City
		if city == "" {
			city = subtleColor.Sprint("(no city)")
		}
		perLocation := f.Money(e.CostPerLocation)
		if e.DistinctLocationsVisited == 0 {
			perLocation = subtleColor.Sprint("n/a")
		}
		fmt.Fprintf(tw, "%d\t%s\t%d\t%s\t%s\n", i+1, city, e.DistinctLocationsVisited, f.Money(e.TotalCost), perLocation)
	}
	tw.Flush()
}
