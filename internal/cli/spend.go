package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/mistakeknot/canvass/internal/core"
)

func NewSpendCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "spend",
		Short: "Record campaign resource spend",
	}
	cmd.AddCommand(spendAddCmd(rootOpts))
	return cmd
}

func spendAddCmd(rootOpts *RootOptions) *cobra.Command {
	var rec core.SpendRecord
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Record an expense attributed to a city",
		Long: `Record an expense. Only approved spend counts toward the effectiveness
ranking.

Examples:
  canvass spend add --city Recife --cost 350 --description "print run" --approved`,
		Args: exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := rootOpts.openDevice(cmd)
			if err != nil {
				return err
			}
			defer d.Logout()

			f := rootOpts.formatter(cmd)
			saved, queued, err := d.RecordSpend(cmd.Context(), rec)
			if err != nil {
				return err
			}
			out := struct {
				Spend  core.SpendRecord `json:"spend"`
				Queued bool             `json:"queued"`
			}{saved, queued}
			return f.Result(out, func(w io.Writer) {
				fmt.Fprintf(w, "%s for %s [%s]\n", f.Money(saved.EstimatedCost), saved.City, queuedLabel(queued))
			})
		},
	}
	cmd.Flags().StringVar(&rec.City, "city", "", "city the expense is attributed to")
	cmd.Flags().Float64Var(&rec.EstimatedCost, "cost", 0, "estimated cost in reais")
	cmd.Flags().StringVar(&rec.Description, "description", "", "what the money is for")
	cmd.Flags().BoolVar(&rec.Approved, "approved", false, "mark the expense approved")
	return cmd
}
