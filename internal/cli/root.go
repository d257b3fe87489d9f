// Package cli defines the relink-chat command tree.
package cli

import (
	"github.com/spf13/cobra"

	"relink/pkg/config"
)

var (
	flagConfig    string
	flagName      string
	flagTransport string
	flagHost      string
	flagPort      int
	flagFormat    string
)

func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "relink-chat",
		Short: "Reliable acknowledged messaging over stream transports",
	}
	// Global flags for all subcommands; unset flags defer to config/env
	root.PersistentFlags().StringVar(&flagConfig, "config", "", "path to YAML config file")
	root.PersistentFlags().StringVar(&flagName, "name", "", "endpoint name shown to the peer")
	root.PersistentFlags().StringVar(&flagTransport, "transport", "", "transport kind: tcp, quic, mem, winpipe")
	root.PersistentFlags().StringVar(&flagHost, "host", "", "listen or dial host")
	root.PersistentFlags().IntVar(&flagPort, "port", 0, "listen or dial port")
	root.PersistentFlags().StringVar(&flagFormat, "format", "", "wire format: json, cbor, proto")

	root.AddCommand(
		newServeCmd(),
		newConnectCmd(),
		newDemoCmd(),
		newHandshakeCmd(),
		newVersionCmd(),
	)
	return root
}

// loadConfig layers the command-line flags over file and environment
// configuration and pins the link role for the chosen subcommand.
func loadConfig(cmd *cobra.Command, role string) (*config.Config, error) {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return nil, err
	}
	cfg.Link.Role = role
	if cmd.Flags().Changed("name") {
		cfg.Name = flagName
	}
	if cmd.Flags().Changed("transport") {
		cfg.Link.Transport = flagTransport
	}
	if cmd.Flags().Changed("host") {
		cfg.Link.Host = flagHost
	}
	if cmd.Flags().Changed("port") {
		cfg.Link.Port = flagPort
	}
	if cmd.Flags().Changed("format") {
		cfg.Link.WireFormat = flagFormat
	}
	return cfg, nil
}
