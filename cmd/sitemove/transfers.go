package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var (
	transfersLimit  int
	transfersFailed bool
)

func newTransfersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "transfers",
		Short: "Show the history of finished exports and imports",
		Example: `  sitemove transfers
  sitemove transfers --failed`,
		Args: cobra.NoArgs,
		RunE: transfersRun,
	}

	cmd.Flags().IntVar(&transfersLimit, "limit", 20, "maximum number of transfers to show")
	cmd.Flags().BoolVar(&transfersFailed, "failed", false, "show only failed transfers")

	return cmd
}

func transfersRun(cmd *cobra.Command, args []string) error {
	if globalStore == nil {
		return fmt.Errorf("store not initialized")
	}

	transfers, err := globalStore.ListTransfers(transfersLimit)
	if err != nil {
		return err
	}

	printed := 0
	for _, t := range transfers {
		if transfersFailed && t.Status != "failed" {
			continue
		}
		if printed == 0 {
			fmt.Printf("%-17s %-7s %-10s %10s %s\n", "Finished", "Kind", "Status", "Size", "Archive")
			fmt.Println(strings.Repeat("-", 90))
		}
		printed++
		fmt.Printf("%-17s %-7s %-10s %10s %s\n",
			t.EndTime.Local().Format("2006-01-02 15:04"), t.Direction, t.Status, formatBytes(t.Size), t.Archive)
		if t.ErrorMessage != "" {
			fmt.Printf("  %s\n", t.ErrorMessage)
		}
	}
	if printed == 0 {
		fmt.Println("No transfers found")
	}
	return nil
}
