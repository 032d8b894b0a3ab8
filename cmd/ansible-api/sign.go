package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mattjoyce/ansible-api/internal/config"
	"github.com/mattjoyce/ansible-api/internal/playbook"
	"github.com/mattjoyce/ansible-api/internal/signature"
)

func newSignCmd(configPath *string) *cobra.Command {
	var key, algorithm string

	cmd := &cobra.Command{
		Use:   "sign [fields...]",
		Short: "Compute a request signature",
		Long: `Compute the signature a client must send for the given fields, in the
order the endpoint signs them. For example, a command request signs its
name, module and targets:

  ansible-api sign ping-all ping all`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if key == "" {
				cfg, err := config.Load(configFile(*configPath))
				if err != nil {
					return err
				}
				key = cfg.Auth.SignKey
				if !cmd.Flags().Changed("algorithm") {
					algorithm = cfg.Auth.Algorithm
				}
			}
			alg, err := signature.ParseAlgorithm(algorithm)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), signature.New(key, alg).Sign(args...))
			return nil
		},
	}
	cmd.Flags().StringVar(&key, "key", "", "Signing key (default auth.sign_key from config)")
	cmd.Flags().StringVar(&algorithm, "algorithm", string(signature.MD5), "Digest algorithm (md5, sha256 or blake3)")
	return cmd
}

func newVarsCmd(configPath *string) *cobra.Command {
	var dir string

	cmd := &cobra.Command{
		Use:   "vars <playbook>",
		Short: "List the variables a playbook expects from the caller",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if dir == "" {
				cfg, err := config.Load(configFile(*configPath))
				if err != nil {
					return err
				}
				dir = cfg.Dirs.Playbook
			}
			vars, err := playbook.NewResolver(dir).Resolve(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if len(vars) > 0 {
				fmt.Fprintln(cmd.OutOrStdout(), strings.Join(vars, "\n"))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "", "Playbook directory (default dirs.playbook from config)")
	return cmd
}
