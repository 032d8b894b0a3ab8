package main

import (
	"net"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/mattjoyce/ansible-api/internal/config"
	"github.com/mattjoyce/ansible-api/internal/signature"
	"github.com/mattjoyce/ansible-api/internal/tui/watch"
)

func newWatchCmd(configPath *string) *cobra.Command {
	var apiURL, key, algorithm string

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Live view of pools and jobs on a running server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if key == "" || apiURL == "" {
				cfg, err := config.Load(configFile(*configPath))
				if err != nil {
					return err
				}
				if key == "" {
					key = cfg.Auth.SignKey
					if !cmd.Flags().Changed("algorithm") {
						algorithm = cfg.Auth.Algorithm
					}
				}
				if apiURL == "" {
					apiURL = baseURL(cfg.API.Listen)
				}
			}
			alg, err := signature.ParseAlgorithm(algorithm)
			if err != nil {
				return err
			}

			return watch.Run(cmd.Context(), watch.Client{
				BaseURL:    apiURL,
				EventsSign: signature.New(key, alg).Sign("events"),
				HTTP:       &http.Client{Transport: &http.Transport{ResponseHeaderTimeout: 10 * time.Second}},
			})
		},
	}
	cmd.Flags().StringVar(&apiURL, "url", "", "Server base URL (default derived from api.listen)")
	cmd.Flags().StringVar(&key, "key", "", "Signing key (default auth.sign_key from config)")
	cmd.Flags().StringVar(&algorithm, "algorithm", string(signature.MD5), "Digest algorithm (md5, sha256 or blake3)")
	return cmd
}

// baseURL turns a listen address into a URL a local client can dial.
func baseURL(listen string) string {
	host, port, err := net.SplitHostPort(listen)
	if err != nil {
		return "http://" + listen
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port)
}
