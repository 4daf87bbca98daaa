package cmd

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/prodcast/worker/internal/infra/sqlstore"
	"github.com/prodcast/worker/pkg/domain/job"
)

var resultCmd = &cobra.Command{
	Use:   "result",
	Short: "Inspect persisted results",
}

var resultGetCmd = &cobra.Command{
	Use:     "get <job-key>",
	Short:   "Show the stored result for a job key",
	Example: `  prodcastctl result get scenario:sc-42`,
	Args:    cobra.ExactArgs(1),
	RunE:    runResultGet,
}

func init() {
	resultCmd.AddCommand(resultGetCmd)
}

type resultView struct {
	Key         string       `json:"key" yaml:"key"`
	Attempt     int          `json:"attempt" yaml:"attempt"`
	Status      string       `json:"status" yaml:"status"`
	Error       string       `json:"error,omitempty" yaml:"error,omitempty"`
	CompletedAt time.Time    `json:"completed_at" yaml:"completed_at"`
	Samples     []job.Sample `json:"samples,omitempty" yaml:"samples,omitempty"`
}

func runResultGet(cmd *cobra.Command, args []string) error {
	key, err := job.ParseKey(args[0])
	if err != nil {
		return err
	}

	return withStore(cmd.Context(), func(db *sqlstore.DB) error {
		rec, err := sqlstore.NewResultRepository(db).Get(cmd.Context(), key)
		if err != nil {
			return err
		}

		v := resultView{
			Key:         rec.Key.String(),
			Attempt:     rec.AttemptNumber,
			Status:      string(rec.Status),
			Error:       rec.Error,
			CompletedAt: rec.CompletedAt,
			Samples:     rec.Samples,
		}
		if printStructured(v) {
			return nil
		}

		fmt.Printf("Key:       %s\n", v.Key)
		fmt.Printf("Attempt:   %d\n", v.Attempt)
		fmt.Printf("Status:    %s\n", v.Status)
		fmt.Printf("Completed: %s\n", v.CompletedAt.Format(time.RFC3339))
		if v.Error != "" {
			fmt.Printf("Error:     %s\n", v.Error)
		}
		fmt.Printf("Samples:   %s\n", strconv.Itoa(len(v.Samples)))
		return nil
	})
}
