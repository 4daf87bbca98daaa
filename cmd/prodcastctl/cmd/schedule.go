package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/prodcast/worker/internal/infra/sqlstore"
	"github.com/prodcast/worker/pkg/domain/schedule"
)

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Manage recurring workflow schedules",
}

var scheduleAddCmd = &cobra.Command{
	Use:     "add",
	Short:   "Schedule a stored workflow with a cron expression",
	Example: `  prodcastctl schedule add --workflow wf-nightly --cron "0 2 * * *"`,
	RunE:    runScheduleAdd,
}

func init() {
	scheduleAddCmd.Flags().String("workflow", "", "Workflow ID (required)")
	scheduleAddCmd.Flags().String("cron", "", "Five-field cron expression, UTC (required)")
	scheduleAddCmd.Flags().Bool("inactive", false, "Create the schedule disabled")
	_ = scheduleAddCmd.MarkFlagRequired("workflow")
	_ = scheduleAddCmd.MarkFlagRequired("cron")

	scheduleCmd.AddCommand(scheduleAddCmd)
}

func runScheduleAdd(cmd *cobra.Command, _ []string) error {
	workflowID, _ := cmd.Flags().GetString("workflow")
	cronExpr, _ := cmd.Flags().GetString("cron")
	inactive, _ := cmd.Flags().GetBool("inactive")

	s := &schedule.Schedule{
		WorkflowID:     workflowID,
		CronExpression: cronExpr,
		IsActive:       !inactive,
	}
	next, err := s.Next(time.Now())
	if err != nil {
		return err
	}
	s.NextRun = &next

	return withStore(cmd.Context(), func(db *sqlstore.DB) error {
		ctx := cmd.Context()
		if _, err := sqlstore.NewWorkflowRepository(db).GetWorkflow(ctx, workflowID); err != nil {
			return fmt.Errorf("workflow %s: %w", workflowID, err)
		}
		if err := sqlstore.NewScheduleRepository(db).Create(ctx, s); err != nil {
			return err
		}
		fmt.Printf("schedule %d created, next run %s\n", s.ID, next.Format(time.RFC3339))
		return nil
	})
}
