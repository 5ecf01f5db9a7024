package cli

import (
	"context"
	"fmt"
	"os"

	"triggerflow/internal/services"

	"github.com/spf13/cobra"
)

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Manage automation rules",
}

var rulesImportCmd = &cobra.Command{
	Use:   "import <file.yaml>",
	Short: "Create templates and rules from a YAML bundle",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		bundle, err := services.ParseRuleBundle(data)
		if err != nil {
			return err
		}

		cfg, log := loadRuntime()
		eng, err := buildEngine(cfg, log)
		if err != nil {
			return err
		}
		defer eng.close()

		report, importErr := eng.service.ImportRules(context.Background(), eng.templates, bundle)
		if err := printJSON(report); err != nil {
			return err
		}
		if importErr != nil {
			return fmt.Errorf("%d item(s) failed: %w", len(report.Failed), importErr)
		}
		return nil
	},
}

var rulesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List automation rules",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log := loadRuntime()
		eng, err := buildEngine(cfg, log)
		if err != nil {
			return err
		}
		defer eng.close()

		trigger, _ := cmd.Flags().GetString("trigger")
		rules, total, err := eng.service.ListRules(context.Background(), &services.RuleListRequest{TriggerType: trigger, PageSize: 200})
		if err != nil {
			return err
		}
		for _, r := range rules {
			fmt.Printf("%d\t%s\t%s\tactive=%t\tfired=%d\n", r.ID, r.TriggerType, r.Name, r.IsActive, r.TriggerCount)
		}
		fmt.Printf("total: %d\n", total)
		return nil
	},
}

func init() {
	rulesListCmd.Flags().String("trigger", "", "filter by trigger type")
	rulesCmd.AddCommand(rulesImportCmd, rulesListCmd)
	rootCmd.AddCommand(rulesCmd)
}
