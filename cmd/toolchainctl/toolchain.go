package main

import (
	"fmt"
	"os"
	"sort"

	"github.com/spf13/cobra"

	"github.com/toolchainctl/toolchainctl/internal/lifecycle"
	"github.com/toolchainctl/toolchainctl/internal/resolve"
	"github.com/toolchainctl/toolchainctl/pkg/channel"
)

var toolchainCmd = &cobra.Command{
	Use:   "toolchain",
	Short: "List, install, and remove toolchains",
}

var toolchainListCmd = &cobra.Command{
	Use:   "list",
	Short: "List installed toolchains",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		env := newEnv()
		names := env.installedToolchains()
		sort.Strings(names)
		for _, n := range names {
			fmt.Println(n)
		}
		return nil
	},
}

var toolchainInstallCmd = &cobra.Command{
	Use:   "install <toolchain>",
	Short: "Install a toolchain",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env := newEnv()
		store := env.settingsStore()
		st, err := store.Load()
		if err != nil {
			return err
		}

		desc, err := channel.Parse(args[0])
		if err != nil {
			return fmt.Errorf("parsing toolchain name %q: %w", args[0], err)
		}
		desc.Target = env.hostTriple(st)

		req := resolve.Request{
			Toolchain:      desc,
			Prefix:         env.toolchainDir(desc.String()),
			UpdateHashPath: env.updateHashPath(desc.String()),
		}
		opts := resolve.Options{
			Server:   env.distServer(),
			Cache:    env.downloadCache(),
			Verifier: env.verifier(st),
			Notify:   func(msg string) { fmt.Println(msg) },
		}
		ctx, cancel := lifecycle.InterruptibleContext()
		defer cancel()

		res, err := resolve.UpdateFromDist(ctx, req, opts)
		if err != nil {
			return err
		}
		if res.Changed {
			fmt.Printf("installed %s (hash %s)\n", desc.String(), res.Hash)
		} else {
			fmt.Printf("%s is already up to date\n", desc.String())
		}
		return nil
	},
}

var toolchainUninstallCmd = &cobra.Command{
	Use:   "uninstall <toolchain>",
	Short: "Remove an installed toolchain",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env := newEnv()
		dir := env.toolchainDir(args[0])
		if _, err := os.Stat(dir); os.IsNotExist(err) {
			return fmt.Errorf("toolchain %q is not installed", args[0])
		}
		if err := os.RemoveAll(dir); err != nil {
			return err
		}
		if err := os.Remove(env.updateHashPath(args[0])); err != nil && !os.IsNotExist(err) {
			return err
		}
		fmt.Printf("removed %s\n", args[0])
		return nil
	},
}

func init() {
	toolchainCmd.AddCommand(toolchainListCmd, toolchainInstallCmd, toolchainUninstallCmd)
}
