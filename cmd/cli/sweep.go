package cli

import (
	"context"
	"encoding/json"
	"os"

	"github.com/spf13/cobra"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Dispatch every pending entry that is due, once",
	Long: `sweep fails stale claims and dispatches due entries a single time.
Useful from cron when the server runs with automation.sweep_enabled=false.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log := loadRuntime()
		eng, err := buildEngine(cfg, log)
		if err != nil {
			return err
		}
		defer eng.close()

		ctx, cancel := context.WithTimeout(cmd.Context(), shutdownTimeout)
		defer cancel()
		res, err := eng.sweeper.SweepOnce(ctx)
		if err != nil {
			return err
		}
		return printJSON(res)
	},
}

func init() {
	rootCmd.AddCommand(sweepCmd)
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
