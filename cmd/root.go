package cmd

import (
	"fmt"
	"os"

	"github.com/ValentinKolb/dPrim/cmd/bench"
	"github.com/ValentinKolb/dPrim/cmd/eventlog"
	"github.com/ValentinKolb/dPrim/cmd/kv"
	"github.com/ValentinKolb/dPrim/cmd/lock"
	"github.com/ValentinKolb/dPrim/cmd/serve"
	"github.com/ValentinKolb/dPrim/cmd/util"
	"github.com/spf13/cobra"
)

const (
	Version = "0.3.0"
)

var (

	// RootCmd represents the base command when called without any subcommands
	RootCmd = &cobra.Command{
		Use:   "dprim",
		Short: "distributed coordination primitives",
		Long: fmt.Sprintf(`dPrim (v%s)

Replicated maps, locks, logs and leader elections on top of a partitioned
RAFT cluster, written in Go.`, Version),
		SilenceUsage: true,
	}
	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of dPrim",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("dPrim v%s\n", Version)
		},
	}
)

func init() {
	// Add Commands
	RootCmd.AddCommand(serve.ServeCmd)
	RootCmd.AddCommand(kv.MapCommands)
	RootCmd.AddCommand(lock.LockCommands)
	RootCmd.AddCommand(eventlog.LogCommands)
	RootCmd.AddCommand(bench.BenchCmd)
	RootCmd.AddCommand(versionCmd)

	// Add Flags
	key := "serializer"
	RootCmd.PersistentFlags().String(key, "binary", util.WrapString("serializer to use (json, gob, binary)"))
	key = "transport"
	RootCmd.PersistentFlags().String(key, "tcp", util.WrapString("transport to use (http, tcp, unix, grpc)"))
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the RootCmd.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
