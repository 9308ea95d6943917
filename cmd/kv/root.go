package kv

import (
	"github.com/ValentinKolb/dPrim/cmd/util"
	"github.com/ValentinKolb/dPrim/lib/coordinator"
	"github.com/ValentinKolb/dPrim/lib/resource"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	coord *coordinator.Coordinator
	rmap  *resource.Map[string, string]

	// MapCommands represents the map command group
	MapCommands = &cobra.Command{
		Use:                "map",
		Aliases:            []string{"kv"},
		Short:              "Perform operations on a replicated map",
		PersistentPreRunE:  setupMapClient,
		PersistentPostRunE: closeMapClient,
	}
)

func init() {
	// Initialize viper
	cobra.OnInitialize(util.InitConfig)

	// Add common RPC flags to the map command
	util.SetupRPCClientFlags(MapCommands)

	MapCommands.PersistentFlags().String("name", "default", util.WrapString("Name of the map"))

	// Add subcommands
	MapCommands.AddCommand(putCmd)
	MapCommands.AddCommand(putIfAbsentCmd)
	MapCommands.AddCommand(getCmd)
	MapCommands.AddCommand(containsCmd)
	MapCommands.AddCommand(removeCmd)
	MapCommands.AddCommand(sizeCmd)
	MapCommands.AddCommand(keysCmd)
	MapCommands.AddCommand(clearCmd)
}

// setupMapClient connects to the cluster and opens the map
func setupMapClient(cmd *cobra.Command, _ []string) error {
	// Bind command flags to viper
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

	rmap, err = resource.GetMap[string, string](coord, viper.GetString("name"), opts)
	return err
}

func closeMapClient(_ *cobra.Command, _ []string) error {
	return util.CloseCoordinator(coord)
}
