package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/toolchainctl/toolchainctl/internal/lifecycle"
	"github.com/toolchainctl/toolchainctl/internal/manifest"
	"github.com/toolchainctl/toolchainctl/internal/resolve"
	"github.com/toolchainctl/toolchainctl/internal/settings"
	"github.com/toolchainctl/toolchainctl/pkg/channel"
)

var (
	updateProfile        string
	updateForce          bool
	updateAllowDowngrade bool
	updateComponents     []string
	updateTargets        []string
)

var updateCmd = &cobra.Command{
	Use:   "update [toolchain]",
	Short: "Install or update a toolchain from the configured distribution server",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env := newEnv()
		store := env.settingsStore()
		st, err := store.Load()
		if err != nil {
			return err
		}

		name := st.DefaultToolchain
		if len(args) == 1 {
			name = args[0]
		}
		if name == "" {
			return fmt.Errorf("no toolchain specified and no default toolchain configured")
		}

		desc, err := channel.Parse(name)
		if err != nil {
			return fmt.Errorf("parsing toolchain name %q: %w", name, err)
		}
		desc.Target = env.hostTriple(st)

		req := resolve.Request{
			Toolchain:      desc,
			Prefix:         env.toolchainDir(desc.String()),
			Force:          updateForce,
			AllowDowngrade: updateAllowDowngrade,
			Components:     updateComponents,
			Targets:        updateTargets,
			UpdateHashPath: env.updateHashPath(desc.String()),
		}
		if updateProfile != "" {
			profile, err := manifest.ParseProfile(updateProfile)
			if err != nil {
				return err
			}
			req.Profile = profile
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

		if st.DefaultToolchain == "" {
			if err := store.WithMut(func(s *settings.Settings) error {
				s.DefaultToolchain = desc.String()
				return nil
			}); err != nil {
				return err
			}
		}

		if res.Changed {
			fmt.Printf("updated %s (hash %s)\n", desc.String(), res.Hash)
		} else {
			fmt.Printf("%s is up to date\n", desc.String())
		}
		return nil
	},
}

func init() {
	updateCmd.Flags().StringVar(&updateProfile, "profile", "", "install profile: minimal, default, or complete")
	updateCmd.Flags().BoolVar(&updateForce, "force", false, "allow installing components the manifest marks unavailable")
	updateCmd.Flags().BoolVar(&updateAllowDowngrade, "allow-downgrade", false, "permit backtracking past the currently installed date")
	updateCmd.Flags().StringSliceVar(&updateComponents, "component", nil, "additional component to install (repeatable)")
	updateCmd.Flags().StringSliceVar(&updateTargets, "target", nil, "additional target to install rust-std for (repeatable)")
}
