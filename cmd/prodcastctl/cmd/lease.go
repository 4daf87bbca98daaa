package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/prodcast/worker/internal/config"
	"github.com/prodcast/worker/internal/infra/redis"
	"github.com/prodcast/worker/pkg/domain/job"
)

var leaseCmd = &cobra.Command{
	Use:   "lease",
	Short: "Inspect exclusivity leases",
}

var leaseGetCmd = &cobra.Command{
	Use:   "get <job-key>",
	Short: "Show which worker holds the lease on a job key",
	Long: `Shows the current holder of a job key's lease. Leases are only visible
from outside a worker in distributed pool mode, where they live in Redis.`,
	Example: `  prodcastctl lease get scenario:sc-42
  prodcastctl lease get workflow:wf-7:step:2`,
	Args: cobra.ExactArgs(1),
	RunE: runLeaseGet,
}

func init() {
	leaseCmd.AddCommand(leaseGetCmd)
}

type leaseView struct {
	Key    string `json:"key" yaml:"key"`
	Held   bool   `json:"held" yaml:"held"`
	Holder string `json:"holder,omitempty" yaml:"holder,omitempty"`
}

var errInProcessLeases = errors.New("leases are held in-process in single-process pool mode")

func runLeaseGet(cmd *cobra.Command, args []string) error {
	key, err := job.ParseKey(args[0])
	if err != nil {
		return err
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Worker.PoolMode != config.PoolModeDistributed {
		return errInProcessLeases
	}

	log := newLogger()
	client, err := redis.New(&cfg.Redis, log)
	if err != nil {
		return err
	}
	defer client.Close()

	tracker, err := redis.NewLeaseTracker(client, cfg.Lease.KeyPrefix, log)
	if err != nil {
		return err
	}
	holder, err := tracker.Holder(cmd.Context(), key.String())
	if err != nil {
		return err
	}

	v := leaseView{Key: key.String(), Held: holder != "", Holder: holder}
	if printStructured(v) {
		return nil
	}
	if !v.Held {
		fmt.Printf("%s is free\n", v.Key)
		return nil
	}
	fmt.Printf("%s is held by %s\n", v.Key, v.Holder)
	return nil
}
