package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/toolchainctl/toolchainctl/internal/lifecycle"
	"github.com/toolchainctl/toolchainctl/internal/manifest"
	"github.com/toolchainctl/toolchainctl/internal/override"
	"github.com/toolchainctl/toolchainctl/internal/state"
	"github.com/toolchainctl/toolchainctl/pkg/triple"
)

var componentTarget string

var componentCmd = &cobra.Command{
	Use:   "component",
	Short: "Add or remove components on the active toolchain",
}

var componentAddCmd = &cobra.Command{
	Use:   "add <component>",
	Short: "Add a component to the active toolchain",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return mutateActiveToolchainComponents(args[0], true)
	},
}

var componentRemoveCmd = &cobra.Command{
	Use:   "remove <component>",
	Short: "Remove a component from the active toolchain",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return mutateActiveToolchainComponents(args[0], false)
	},
}

func init() {
	componentCmd.PersistentFlags().StringVar(&componentTarget, "target", "", "target triple the component applies to (default: the toolchain's host)")
	componentCmd.AddCommand(componentAddCmd, componentRemoveCmd)
}

func mutateActiveToolchainComponents(pkg string, add bool) error {
	env := newEnv()
	store := env.settingsStore()
	st, err := store.Load()
	if err != nil {
		return err
	}

	res, err := override.Resolve("", os.Getenv, ".", st, env.installedWithTriple)
	if err != nil {
		return err
	}
	if res.IsPath {
		return fmt.Errorf("cannot manage components on custom toolchain %q", res.Toolchain)
	}

	target := env.hostTriple(st)
	if componentTarget != "" {
		target = triple.Parse(componentTarget)
	}

	prefix := env.toolchainDir(res.Toolchain)
	man, err := state.Open(prefix, target)
	if err != nil {
		return err
	}
	desired, err := man.LoadManifest()
	if err != nil {
		return err
	}
	if desired == nil {
		return fmt.Errorf("toolchain %q has no recorded manifest; run `toolchainctl update %s` first", res.Toolchain, res.Toolchain)
	}

	component := manifest.Component{Pkg: pkg, Target: &target}
	var changes state.Changes
	if add {
		changes.ExplicitAddComponents = []manifest.Component{component}
	} else {
		changes.RemoveComponents = []manifest.Component{component}
	}

	ctx, cancel := lifecycle.InterruptibleContext()
	defer cancel()

	status, err := man.Update(ctx, desired, changes, state.UpdateOptions{
		Cache:    env.downloadCache(),
		Notify:   func(n state.Notification) { fmt.Println(n.Message) },
		ToolName: res.Toolchain,
	})
	if err != nil {
		return err
	}
	if status == state.StatusChanged {
		verb := "added"
		if !add {
			verb = "removed"
		}
		fmt.Printf("%s %s for %s\n", verb, component.Name(), res.Toolchain)
	} else {
		fmt.Println("no change")
	}
	return nil
}
