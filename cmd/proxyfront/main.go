// Command proxyfront serves a static site and the wisp and bare tunnel
// endpoints on one port, optionally as a Tailscale Funnel.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"lds.li/proxyfront/config"
	"lds.li/proxyfront/site"
)

func main() {
	cfg := config.Default()

	cmd := &cobra.Command{
		Use:           "proxyfront",
		Short:         "Static site and wisp/bare tunnel front-end",
		SilenceUsage:  true,
		SilenceErrors: true,
		PreRunE: func(cmd *cobra.Command, _ []string) error {
			portFlag := cmd.Flags().Lookup("port")
			port := cfg.Port
			if err := cfg.LoadEnv(); err != nil {
				return err
			}
			// An explicit --port beats PORT from the environment.
			if portFlag.Changed {
				cfg.Port = port
			}
			return cfg.Validate()
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, &cfg, cfg.NewLogger())
		},
	}
	bindFlags(cmd.Flags(), &cfg)

	if err := cmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "proxyfront:", err)
		os.Exit(1)
	}
}

func bindFlags(fs *pflag.FlagSet, cfg *config.Config) {
	fs.IntVarP(&cfg.Port, "port", "p", cfg.Port, "Port to listen on (env PORT)")
	fs.StringVarP(&cfg.Dir, "dir", "d", cfg.Dir, "Directory holding the site folders")
	fs.StringVar(&cfg.Preset, "preset", cfg.Preset, fmt.Sprintf("Site layout %v", site.Presets))
	fs.StringVar(&cfg.WispPrefix, "wisp-prefix", cfg.WispPrefix, "Path prefix of the wisp endpoint")
	fs.StringVar(&cfg.BarePrefix, "bare-prefix", cfg.BarePrefix, "Path prefix of the bare endpoint")
	fs.StringVar(&cfg.MetricsListen, "metrics-listen", cfg.MetricsListen, "Address for the prometheus metrics listener (disabled if empty)")
	fs.StringVar(&cfg.UpstreamProxy, "upstream-proxy", cfg.UpstreamProxy, "CONNECT proxy URL for tunnel egress")
	fs.BoolVar(&cfg.UpstreamH2, "upstream-h2", cfg.UpstreamH2, "Speak HTTP/2 to the upstream proxy")
	fs.BoolVar(&cfg.AllowPrivateEgress, "allow-private-egress", cfg.AllowPrivateEgress, "Let tunnels reach loopback and private addresses")
	fs.StringVar(&cfg.TailscaleHostname, "tailscale-hostname", cfg.TailscaleHostname, "Serve on a tailnet node with this hostname instead of a local port")
	fs.StringVar(&cfg.TailscaleStateDir, "tailscale-statedir", cfg.TailscaleStateDir, "Directory for tailscale state")
	fs.StringVar(&cfg.TailscaleAuthKey, "tailscale-authkey", cfg.TailscaleAuthKey, "Tailscale auth key (env TS_AUTHKEY)")
	fs.BoolVar(&cfg.TailscaleFunnel, "funnel", cfg.TailscaleFunnel, "Expose the tailnet listener with Funnel on :443")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "Log format: text or json")
}
