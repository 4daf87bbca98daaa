package cmd

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/prodcast/worker/internal/infra/sqlstore"
	"github.com/prodcast/worker/pkg/validator"
)

var workflowCmd = &cobra.Command{
	Use:     "workflow",
	Aliases: []string{"wf"},
	Short:   "Manage stored workflow definitions and runs",
}

var workflowPutCmd = &cobra.Command{
	Use:   "put",
	Short: "Create or replace a workflow definition used by schedules",
	RunE:  runWorkflowPut,
}

var workflowGetCmd = &cobra.Command{
	Use:   "get <workflow-id>",
	Short: "Show a stored workflow definition",
	Args:  cobra.ExactArgs(1),
	RunE:  runWorkflowGet,
}

var workflowStatusCmd = &cobra.Command{
	Use:   "status <workflow-id> <request-id>",
	Short: "Show the progress of one workflow run",
	Args:  cobra.ExactArgs(2),
	RunE:  runWorkflowStatus,
}

func init() {
	workflowPutCmd.Flags().StringP("file", "f", "", "Workflow definition file (required)")
	_ = workflowPutCmd.MarkFlagRequired("file")

	workflowCmd.AddCommand(workflowPutCmd)
	workflowCmd.AddCommand(workflowGetCmd)
	workflowCmd.AddCommand(workflowStatusCmd)
}

func runWorkflowPut(cmd *cobra.Command, _ []string) error {
	path, _ := cmd.Flags().GetString("file")
	p, err := readWorkflowFile(path)
	if err != nil {
		return err
	}
	if err := validator.Default().Validate(p); err != nil {
		return fmt.Errorf("invalid workflow: %w", err)
	}

	return withStore(cmd.Context(), func(db *sqlstore.DB) error {
		if err := sqlstore.NewWorkflowRepository(db).SaveWorkflow(cmd.Context(), p); err != nil {
			return err
		}
		fmt.Printf("workflow %s saved (%d steps)\n", p.WorkflowID, len(p.Steps))
		return nil
	})
}

func runWorkflowGet(cmd *cobra.Command, args []string) error {
	return withStore(cmd.Context(), func(db *sqlstore.DB) error {
		p, err := sqlstore.NewWorkflowRepository(db).GetWorkflow(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if printStructured(p) {
			return nil
		}

		fmt.Printf("Workflow: %s\n", p.WorkflowID)
		fmt.Printf("Name:     %s\n", valueOrDash(p.Name))
		t := newTable("#", "NAME", "MODEL PREFIX", "PARAMETERS")
		for i, s := range p.Steps {
			t.AddRow(strconv.Itoa(i), s.Name, valueOrDash(s.ModelPrefix), strconv.Itoa(len(s.Parameters)))
		}
		t.Flush()
		return nil
	})
}

func runWorkflowStatus(cmd *cobra.Command, args []string) error {
	return withStore(cmd.Context(), func(db *sqlstore.DB) error {
		st, err := sqlstore.NewWorkflowRunRepository(db).Get(cmd.Context(), args[0], args[1])
		if err != nil {
			return err
		}
		if printStructured(st) {
			return nil
		}

		fmt.Printf("Workflow: %s\n", st.WorkflowID)
		fmt.Printf("Request:  %s\n", st.RequestID)
		fmt.Printf("Status:   %s\n", st.Status)
		fmt.Printf("Started:  %s\n", st.StartedAt.Format(time.RFC3339))
		if st.FinishedAt != nil {
			fmt.Printf("Finished: %s\n", st.FinishedAt.Format(time.RFC3339))
		}
		if st.Error != "" {
			fmt.Printf("Error:    %s\n", st.Error)
		}
		t := newTable("#", "STEP", "STATUS", "ATTEMPT", "ERROR")
		for i, s := range st.Steps {
			t.AddRow(strconv.Itoa(i), s.Name, string(s.Status), strconv.Itoa(s.AttemptNumber), valueOrDash(s.Error))
		}
		t.Flush()
		return nil
	})
}
