package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/prodcast/worker/internal/infra/jobs"
)

var cancelCmd = &cobra.Command{
	Use:   "cancel <queue> <request-id>",
	Short: "Remove a pending request from the broker",
	Long: `Removes a request that has not started yet. A request that a worker is
already running cannot be cancelled.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		queue, requestID := args[0], args[1]
		return withJobClient(func(c *jobs.Client) error {
			if err := c.Cancel(cmd.Context(), queue, requestID); err != nil {
				return err
			}
			fmt.Printf("request %s cancelled\n", requestID)
			return nil
		})
	},
}
