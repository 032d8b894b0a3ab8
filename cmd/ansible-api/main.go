package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "0.1.0-dev"

// configEnv names the config file when --config is not given.
const configEnv = "ANSIBLE_API_CONFIG"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:   "ansible-api",
		Short: "Signed HTTP API for ansible commands and playbooks",
		Long: `ansible-api accepts signed requests to run ad-hoc ansible modules and
playbooks on a pair of bounded worker pools, and to manage the script and
playbook files they use.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "",
		"Path to configuration file or directory (default $"+configEnv+")")

	root.AddCommand(
		newServeCmd(&configPath),
		newSignCmd(&configPath),
		newVarsCmd(&configPath),
		newConfigCmd(&configPath),
		newJobCmd(&configPath),
		newWatchCmd(&configPath),
		newVersionCmd(),
	)
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "ansible-api version %s\n", version)
		},
	}
}

// configFile returns the --config value, falling back to the environment.
func configFile(flag string) string {
	if flag != "" {
		return flag
	}
	return os.Getenv(configEnv)
}
