// Command toolchainctl is both the proxy binary installed under rustc,
// cargo, and friends, and the management CLI used to invoke it directly.
// Which one runs is decided by argv[0]: any name other than the binary's
// own installed name is treated as a proxy invocation.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/toolchainctl/toolchainctl/internal/lifecycle"
	"github.com/toolchainctl/toolchainctl/internal/proxy"
	"github.com/toolchainctl/toolchainctl/internal/xlog"
)

// ourNames is the set of argv[0] base names that dispatch to the management
// CLI instead of the proxy. "toolchainctl" is the binary's installed name;
// "toolchainctl-init" would be a self-installer, out of scope here.
var ourNames = map[string]bool{
	"toolchainctl": true,
}

func main() {
	xlog.SetDefault(xlog.New(os.Stderr))

	if !ourNames[filepath.Base(os.Args[0])] {
		cfg := loadProxyConfig()
		if err := proxy.Dispatch(cfg, os.Args[0], os.Args[1:], os.Environ()); err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			os.Exit(1)
		}
		return
	}

	err := Execute()
	if atExitErr := lifecycle.RunAtExit(); err == nil {
		err = atExitErr
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func loadProxyConfig() *proxy.Config {
	env := newEnv()
	return &proxy.Config{
		Home:                env.home,
		CargoHome:           env.cargoHome,
		Store:               env.settingsStore(),
		InstalledWithTriple: env.installedWithTriple,
	}
}
