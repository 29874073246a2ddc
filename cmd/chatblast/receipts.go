package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var receiptsDeadLimit int

var receiptsCmd = &cobra.Command{
	Use:   "receipts",
	Short: "Delivery receipt commands",
}

var receiptsDeadCmd = &cobra.Command{
	Use:   "dead",
	Short: "List receipts that failed every processing attempt",
	RunE:  runReceiptsDead,
}

func init() {
	receiptsDeadCmd.Flags().IntVar(&receiptsDeadLimit, "limit", 50, "Maximum number of receipts to show")

	receiptsCmd.AddCommand(receiptsDeadCmd)
	rootCmd.AddCommand(receiptsCmd)
}

func runReceiptsDead(cmd *cobra.Command, args []string) error {
	client, err := newAPIClient()
	if err != nil {
		return err
	}

	dead, err := client.DeadReceipts(cmd.Context(), receiptsDeadLimit)
	if err != nil {
		return err
	}

	if len(dead) == 0 {
		fmt.Println("No dead receipts")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "MESSAGE\tSTATUS\tRECEIVED\tATTEMPTS\tERROR")
	fmt.Fprintln(w, "-------\t------\t--------\t--------\t-----")
	for _, r := range dead {
		lastErr := r.LastError
		if len(lastErr) > 50 {
			lastErr = lastErr[:47] + "..."
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n",
			r.MessageID,
			r.Status,
			r.ReceivedAt.Format("2006-01-02 15:04"),
			r.Attempts,
			lastErr,
		)
	}
	w.Flush()

	fmt.Printf("\nTotal: %d receipts\n", len(dead))
	return nil
}
