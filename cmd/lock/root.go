package lock

import (
	"fmt"
	"time"

	"github.com/ValentinKolb/dPrim/cmd/util"
	"github.com/ValentinKolb/dPrim/lib/coordinator"
	"github.com/ValentinKolb/dPrim/lib/resource"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	coord *coordinator.Coordinator

	// LockCommands represents the lock command group
	LockCommands = &cobra.Command{
		Use:                "lock",
		Short:              "Perform lock operations",
		PersistentPreRunE:  setupLockClient,
		PersistentPostRunE: closeLockClient,
	}

	// acquireCmd represents the acquire command
	acquireCmd = &cobra.Command{
		Use:   "acquire [name]",
		Short: "Acquire a lock",
		Long:  "Acquire a lock and print the owner id and fencing token. Use --owner to pick the owner id, otherwise a random one is generated. Without --wait the command fails if another owner holds the lock.",
		Args:  cobra.ExactArgs(1),
		RunE:  runAcquire,
	}

	// releaseCmd represents the release command
	releaseCmd = &cobra.Command{
		Use:   "release [name] [owner]",
		Short: "Release a previously acquired lock",
		Long:  "Release a lock using the name and the owner id printed by the acquire command.",
		Args:  cobra.ExactArgs(2),
		RunE:  runRelease,
	}

	// statusCmd represents the status command
	statusCmd = &cobra.Command{
		Use:   "status [name]",
		Short: "Print whether a lock is held",
		Args:  cobra.ExactArgs(1),
		RunE:  runStatus,
	}
)

func init() {
	// Initialize viper
	cobra.OnInitialize(util.InitConfig)

	// Add subcommands to lock command
	LockCommands.AddCommand(acquireCmd)
	LockCommands.AddCommand(releaseCmd)
	LockCommands.AddCommand(statusCmd)

	// Add common RPC flags to the lock command
	util.SetupRPCClientFlags(LockCommands)

	// Add flags specific to acquire
	acquireCmd.Flags().String("owner", "", util.WrapString("Owner id of the lock (default random)"))
	acquireCmd.Flags().Duration("lease", 30*time.Second, util.WrapString("Lease of the lock, 0 holds it until released"))
	acquireCmd.Flags().Bool("wait", false, util.WrapString("Wait in the queue until the lock is granted (bounded by --timeout)"))
}

// setupLockClient connects to the cluster
func setupLockClient(cmd *cobra.Command, _ []string) error {
	// Bind command flags to viper
	if err := util.BindCommandFlags(cmd); err != nil {
		return err
	}

	var err error
	coord, err = util.OpenCoordinator()
	return err
}

func closeLockClient(_ *cobra.Command, _ []string) error {
	return util.CloseCoordinator(coord)
}

// getLock opens the lock named name as owner
func getLock(name, owner string, lease time.Duration) (*resource.Lock, error) {
	opts, err := util.GetOptions()
	if err != nil {
		return nil, err
	}
	opts.Owner = owner
	opts.Lease = lease
	return resource.GetLock(coord, name, opts)
}

// runAcquire handles the acquire lock command
func runAcquire(_ *cobra.Command, args []string) error {
	l, err := getLock(args[0], viper.GetString("owner"), viper.GetDuration("lease"))
	if err != nil {
		return err
	}

	ctx, cancel := util.Context()
	defer cancel()

	if viper.GetBool("wait") {
		fence, err := l.Lock(ctx).Await(ctx)
		if err != nil {
			return fmt.Errorf("failed to acquire lock: %v", err)
		}
		fmt.Printf("acquired=true, owner=%s, fence=%d\n", l.Owner(), fence)
		return nil
	}

	got, err := l.TryLock(ctx).Await(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire lock: %v", err)
	}
	if !got.Present {
		fmt.Printf("acquired=false\n")
		return nil
	}
	fmt.Printf("acquired=true, owner=%s, fence=%d\n", l.Owner(), got.Value)
	return nil
}

// runRelease handles the release lock command
func runRelease(_ *cobra.Command, args []string) error {
	l, err := getLock(args[0], args[1], 0)
	if err != nil {
		return err
	}

	ctx, cancel := util.Context()
	defer cancel()

	released, err := l.Unlock(ctx).Await(ctx)
	if err != nil {
		return fmt.Errorf("failed to release lock: %v", err)
	}
	fmt.Printf("released=%v\n", released)
	return nil
}

// runStatus handles the status command
func runStatus(_ *cobra.Command, args []string) error {
	l, err := getLock(args[0], "", 0)
	if err != nil {
		return err
	}

	ctx, cancel := util.Context()
	defer cancel()

	locked, err := l.IsLocked(ctx).Await(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("locked=%v\n", locked)
	return nil
}
