package cmd

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var agentsCmd = &cobra.Command{
	Use:   "agents",
	Short: "List registered agents",
	RunE: func(cmd *cobra.Command, args []string) error {
		c := newClient()
		raw, err := c.callTool("list_agents", nil)
		if err != nil {
			return err
		}
		if jsonOutput {
			printJSON(raw)
			return nil
		}
		var agents []struct {
			Name        string    `json:"name"`
			Description string    `json:"description"`
			LastSeenAt  time.Time `json:"last_seen_at"`
		}
		if err := json.Unmarshal(raw, &agents); err != nil {
			return fmt.Errorf("decode agents: %w", err)
		}
		if len(agents) == 0 {
			fmt.Println("No agents registered.")
			return nil
		}
		for _, a := range agents {
			fmt.Printf("%s  %s\n", color.CyanString("%-20s", a.Name), a.Description)
			fmt.Printf("%-20s  last seen %s\n", "", a.LastSeenAt.Local().Format(time.RFC3339))
		}
		return nil
	},
}

var registerDescription string

var registerCmd = &cobra.Command{
	Use:   "register <name>",
	Short: "Register an agent (idempotent: re-registering refreshes it)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := newClient()
		raw, err := c.postREST("/agent/register", map[string]any{
			"name":        args[0],
			"description": registerDescription,
		})
		if err != nil {
			return err
		}
		if jsonOutput {
			printJSON(raw)
			return nil
		}
		fmt.Printf("%s agent %q registered\n", color.GreenString("ok:"), args[0])
		return nil
	},
}

func init() {
	registerCmd.Flags().StringVarP(&registerDescription, "description", "d", "", "what this agent does")
}
