package kv

import (
	"fmt"
	"strings"

	"github.com/ValentinKolb/dPrim/cmd/util"
	"github.com/ValentinKolb/dPrim/lib/resource"
	"github.com/spf13/cobra"
)

var (
	putCmd = &cobra.Command{
		Use:   "put [key] [value]",
		Short: "Sets the value for a key and prints the previous value",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := util.Context()
			defer cancel()
			prev, err := rmap.Put(ctx, args[0], args[1]).Await(ctx)
			if err != nil {
				return err
			}
			printOptional("previous", prev)
			return nil
		},
	}
	putIfAbsentCmd = &cobra.Command{
		Use:   "put-if-absent [key] [value]",
		Short: "Sets the value for a key if the key is not already set",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := util.Context()
			defer cancel()
			prev, err := rmap.PutIfAbsent(ctx, args[0], args[1]).Await(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("set=%v\n", !prev.Present)
			printOptional("current", prev)
			return nil
		},
	}
	getCmd = &cobra.Command{
		Use:   "get [key]",
		Short: "Gets the value for a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := util.Context()
			defer cancel()
			v, err := rmap.Get(ctx, args[0]).Await(ctx)
			if err != nil {
				return err
			}
			printOptional("value", v)
			return nil
		},
	}
	containsCmd = &cobra.Command{
		Use:   "contains [key]",
		Short: "Checks if a key exists",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := util.Context()
			defer cancel()
			ok, err := rmap.ContainsKey(ctx, args[0]).Await(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("contains=%v\n", ok)
			return nil
		},
	}
	removeCmd = &cobra.Command{
		Use:   "remove [key]",
		Short: "Removes a key and prints its value",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := util.Context()
			defer cancel()
			prev, err := rmap.Remove(ctx, args[0]).Await(ctx)
			if err != nil {
				return err
			}
			printOptional("removed", prev)
			return nil
		},
	}
	sizeCmd = &cobra.Command{
		Use:   "size",
		Short: "Prints the number of keys",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := util.Context()
			defer cancel()
			n, err := rmap.Size(ctx).Await(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("size=%d\n", n)
			return nil
		},
	}
	keysCmd = &cobra.Command{
		Use:   "keys",
		Short: "Prints all keys",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := util.Context()
			defer cancel()
			keys, err := rmap.Keys(ctx).Await(ctx)
			if err != nil {
				return err
			}
			fmt.Println(strings.Join(keys, "\n"))
			return nil
		},
	}
	clearCmd = &cobra.Command{
		Use:   "clear",
		Short: "Removes all keys",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := util.Context()
			defer cancel()
			n, err := rmap.Clear(ctx).Await(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("removed=%d\n", n)
			return nil
		},
	}
)

func printOptional(label string, v resource.Optional[string]) {
	if !v.Present {
		fmt.Printf("%s=<none>\n", label)
		return
	}
	fmt.Printf("%s=%s\n", label, v.Value)
}
