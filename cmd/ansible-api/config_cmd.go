package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/ansible-api/internal/config"
	"github.com/mattjoyce/ansible-api/internal/doctor"
)

const redacted = "<redacted>"

func newConfigCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
	}
	cmd.AddCommand(
		newConfigCheckCmd(configPath),
		newConfigShowCmd(configPath),
		newConfigDoctorCmd(configPath),
	)
	return cmd
}

func newConfigCheckCmd(configPath *string) *cobra.Command {
	var expectHash string

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Validate configuration and print a summary",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile(*configPath))
			if err != nil {
				return err
			}
			if expectHash != "" {
				if cfg.SourcePath == "" {
					return fmt.Errorf("--expect-hash needs a configuration file")
				}
				if err := config.VerifyFileHash(cfg.SourcePath, expectHash); err != nil {
					return err
				}
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "Configuration OK")
			if cfg.SourcePath != "" {
				fmt.Fprintf(out, "  file:        %s\n", cfg.SourcePath)
				fmt.Fprintf(out, "  fingerprint: %s\n", cfg.Fingerprint)
			} else {
				fmt.Fprintln(out, "  file:        (environment only)")
			}
			fmt.Fprintf(out, "  listen:      %s\n", cfg.API.Listen)
			fmt.Fprintf(out, "  pools:       async=%d sync=%d\n", cfg.Dispatch.AsyncSize(), cfg.Dispatch.SyncSize())
			if cfg.State.Path != "" {
				fmt.Fprintf(out, "  history:     %s\n", cfg.State.Path)
			} else {
				fmt.Fprintln(out, "  history:     disabled")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&expectHash, "expect-hash", "", "Fail unless the file's BLAKE3 hash matches")
	return cmd
}

func newConfigShowCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration as YAML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile(*configPath))
			if err != nil {
				return err
			}
			shown := *cfg
			shown.Auth.SignKey = redacted

			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			if err := enc.Encode(&shown); err != nil {
				return fmt.Errorf("failed to encode configuration: %w", err)
			}
			return enc.Close()
		},
	}
}

func newConfigDoctorCmd(configPath *string) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check directories, binaries, playbooks and risky settings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile(*configPath))
			if err != nil {
				return err
			}
			result := doctor.New(cfg).Validate(cmd.Context())

			if asJSON {
				out, err := doctor.FormatJSON(result)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), out)
			} else {
				fmt.Fprint(cmd.OutOrStdout(), doctor.FormatHuman(result))
			}
			if !result.Valid {
				return fmt.Errorf("%d problem(s) found", len(result.Errors))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the report as JSON")
	return cmd
}
