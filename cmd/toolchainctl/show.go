package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/toolchainctl/toolchainctl/internal/override"
	"github.com/toolchainctl/toolchainctl/internal/state"
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the active toolchain and where its selection came from",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		env := newEnv()
		st, err := env.settingsStore().Load()
		if err != nil {
			return err
		}

		res, err := override.Resolve("", os.Getenv, ".", st, env.installedWithTriple)
		if err != nil {
			return err
		}

		fmt.Printf("active toolchain: %s\n", res.Toolchain)
		fmt.Printf("selected by:      %s\n", res.Source)
		if res.Origin != "" {
			fmt.Printf("origin:           %s\n", res.Origin)
		}

		if !res.IsPath {
			prefix := env.toolchainDir(res.Toolchain)
			man, err := state.Open(prefix, env.hostTriple(st))
			if err != nil {
				return err
			}
			cfg, err := man.ReadConfig()
			if err != nil {
				return err
			}
			if cfg == nil {
				fmt.Println("installed:        no")
			} else {
				fmt.Println("installed:        yes")
				fmt.Println("components:")
				for _, c := range cfg.Components {
					fmt.Printf("  %s\n", c.Name())
				}
			}
		}
		return nil
	},
}
