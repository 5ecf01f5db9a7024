package cli

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	triggerEntityType string
	triggerEntityID   string
	triggerPayload    string
)

var triggerCmd = &cobra.Command{
	Use:   "trigger <type>",
	Short: "Raise a trigger and dispatch what is due",
	Example: `  triggerflow trigger contact_created --entity-type contact --entity-id 42 \
    --payload '{"email":"a@example.com","leadScore":80}'`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		payload := map[string]interface{}{}
		if triggerPayload != "" {
			if err := json.Unmarshal([]byte(triggerPayload), &payload); err != nil {
				return fmt.Errorf("invalid --payload: %w", err)
			}
		}

		cfg, log := loadRuntime()
		eng, err := buildEngine(cfg, log)
		if err != nil {
			return err
		}
		defer eng.close()

		res, err := eng.service.ProcessTrigger(context.Background(), args[0], triggerEntityType, triggerEntityID, payload)
		// 进程退出前等待后台即时投递
		eng.service.Wait()
		if res != nil {
			if perr := printJSON(res); perr != nil {
				return perr
			}
		}
		return err
	},
}

func init() {
	triggerCmd.Flags().StringVar(&triggerEntityType, "entity-type", "", "type of the entity that raised the trigger")
	triggerCmd.Flags().StringVar(&triggerEntityID, "entity-id", "", "id of the entity that raised the trigger")
	triggerCmd.Flags().StringVarP(&triggerPayload, "payload", "p", "", "trigger payload as a JSON object")
	rootCmd.AddCommand(triggerCmd)
}
