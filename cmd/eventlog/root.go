package eventlog

import (
	"fmt"
	"strconv"

	"github.com/ValentinKolb/dPrim/cmd/util"
	"github.com/ValentinKolb/dPrim/lib/coordinator"
	"github.com/ValentinKolb/dPrim/lib/resource"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	coord  *coordinator.Coordinator
	events *resource.EventLog[string]

	// LogCommands represents the event log command group
	LogCommands = &cobra.Command{
		Use:                "log",
		Short:              "Perform operations on a replicated event log",
		PersistentPreRunE:  setupLogClient,
		PersistentPostRunE: closeLogClient,
	}

	appendCmd = &cobra.Command{
		Use:   "append [event]...",
		Short: "Append events and print their offsets",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := util.Context()
			defer cancel()
			for _, e := range args {
				offset, err := events.Append(ctx, e).Await(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("offset=%d\n", offset)
			}
			return nil
		},
	}
	getCmd = &cobra.Command{
		Use:   "get [offset]",
		Short: "Print the event at an offset",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			offset, err := strconv.ParseUint(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("offset must be a number: %w", err)
			}
			ctx, cancel := util.Context()
			defer cancel()
			e, err := events.Get(ctx, offset).Await(ctx)
			if err != nil {
				return err
			}
			if !e.Present {
				fmt.Println("event=<none>")
				return nil
			}
			fmt.Printf("event=%s\n", e.Value)
			return nil
		},
	}
	rangeCmd = &cobra.Command{
		Use:   "range [from]",
		Short: "Print the events starting at an offset",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var from uint64
			if len(args) == 1 {
				var err error
				if from, err = strconv.ParseUint(args[0], 10, 64); err != nil {
					return fmt.Errorf("from must be a number: %w", err)
				}
			}
			ctx, cancel := util.Context()
			defer cancel()
			records, err := events.Range(ctx, from, viper.GetInt("limit")).Await(ctx)
			if err != nil {
				return err
			}
			for _, r := range records {
				fmt.Printf("%d\t%s\n", r.Offset, r.Value)
			}
			return nil
		},
	}
	lenCmd = &cobra.Command{
		Use:   "len",
		Short: "Print the number of retained events",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := util.Context()
			defer cancel()
			n, err := events.Len(ctx).Await(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("len=%d\n", n)
			return nil
		},
	}
	trimCmd = &cobra.Command{
		Use:   "trim [before]",
		Short: "Drop every event before an offset",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			before, err := strconv.ParseUint(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("offset must be a number: %w", err)
			}
			ctx, cancel := util.Context()
			defer cancel()
			n, err := events.Trim(ctx, before).Await(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("dropped=%d\n", n)
			return nil
		},
	}
)

func init() {
	// Initialize viper
	cobra.OnInitialize(util.InitConfig)

	util.SetupRPCClientFlags(LogCommands)
	LogCommands.PersistentFlags().String("name", "default", util.WrapString("Name of the event log"))
	rangeCmd.Flags().Int("limit", 100, util.WrapString("Maximum number of events to print, 0 prints all"))

	LogCommands.AddCommand(appendCmd)
	LogCommands.AddCommand(getCmd)
	LogCommands.AddCommand(rangeCmd)
	LogCommands.AddCommand(lenCmd)
	LogCommands.AddCommand(trimCmd)
}

// setupLogClient connects to the cluster and opens the event log
func setupLogClient(cmd *cobra.Command, _ []string) error {
	if err := util.BindCommandFlags(cmd); err != nil {
		return err
	}

	opts, err := util.GetOptions()
	if err != nil {
		return err
	}

	if coord, err = util.OpenCoordinator(); err != nil {
		return err
	}

	events, err = resource.GetEventLog[string](coord, viper.GetString("name"), opts)
	return err
}

func closeLogClient(_ *cobra.Command, _ []string) error {
	return util.CloseCoordinator(coord)
}
