package main

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/spf13/cobra"

	"github.com/toolchainctl/toolchainctl/internal/settings"
)

var overrideCmd = &cobra.Command{
	Use:   "override",
	Short: "Manage per-directory toolchain overrides",
}

var overrideSetCmd = &cobra.Command{
	Use:   "set <toolchain> [dir]",
	Short: "Pin a toolchain for a directory (default: the current directory)",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		dir := "."
		if len(args) == 2 {
			dir = args[1]
		}
		abs, err := filepath.Abs(dir)
		if err != nil {
			return err
		}
		abs = filepath.Clean(abs)

		env := newEnv()
		return env.settingsStore().WithMut(func(s *settings.Settings) error {
			s.Overrides[abs] = args[0]
			return nil
		})
	},
}

var overrideUnsetCmd = &cobra.Command{
	Use:   "unset [dir]",
	Short: "Remove the override for a directory (default: the current directory)",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dir := "."
		if len(args) == 1 {
			dir = args[0]
		}
		abs, err := filepath.Abs(dir)
		if err != nil {
			return err
		}
		abs = filepath.Clean(abs)

		env := newEnv()
		return env.settingsStore().WithMut(func(s *settings.Settings) error {
			if _, ok := s.Overrides[abs]; !ok {
				return fmt.Errorf("no override set for %s", abs)
			}
			delete(s.Overrides, abs)
			return nil
		})
	},
}

var overrideListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all directory overrides",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		env := newEnv()
		st, err := env.settingsStore().Load()
		if err != nil {
			return err
		}
		dirs := make([]string, 0, len(st.Overrides))
		for dir := range st.Overrides {
			dirs = append(dirs, dir)
		}
		sort.Strings(dirs)
		for _, dir := range dirs {
			fmt.Fprintf(os.Stdout, "%s\t%s\n", dir, st.Overrides[dir])
		}
		return nil
	},
}

func init() {
	overrideCmd.AddCommand(overrideSetCmd, overrideUnsetCmd, overrideListCmd)
}
