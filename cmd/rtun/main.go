// Command rtun runs the tunnel agent, exposing a local HTTP service
// through a remote rtund edge server.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
	"github.com/windless/rtun/internal/agent"
	"github.com/windless/rtun/internal/version"
)

var (
	configPath string
	serverAddr string
	tunnelID   string
	subdomain  string
	token      string
	useTLS     bool
	insecure   bool
	debug      bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "rtun",
		Short: "Expose a local service through a reverse tunnel",
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("rtun " + version.Full())
		},
	}

	httpCmd := &cobra.Command{
		Use:   "http <port> or http <host:port>",
		Short: "Expose a local HTTP service",
		Args:  cobra.ExactArgs(1),
		RunE:  runHTTP,
	}
	httpCmd.Flags().StringVarP(&configPath, "config", "c", "", "path to config file (default: ~/.rtun.yaml)")
	httpCmd.Flags().StringVarP(&serverAddr, "server", "S", "tunnel.example.test:4443", "tunnel server address")
	httpCmd.Flags().StringVar(&tunnelID, "tunnel-id", "", "tunnel id (required if no subdomain given)")
	httpCmd.Flags().StringVarP(&subdomain, "subdomain", "s", "", "requested subdomain (the server assigns a random one if omitted)")
	httpCmd.Flags().StringVarP(&token, "token", "t", "", "registration token, if the server requires one")
	httpCmd.Flags().BoolVar(&useTLS, "tls", false, "use TLS for the control connection")
	httpCmd.Flags().BoolVar(&insecure, "insecure", false, "skip TLS certificate verification (requires --tls)")
	httpCmd.Flags().BoolVarP(&debug, "debug", "d", false, "enable debug logging")

	rootCmd.AddCommand(httpCmd, versionCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runHTTP(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: %v\n", err)
	}
	if cfg != nil {
		if cfg.Server != "" && !cmd.Flags().Changed("server") {
			serverAddr = cfg.Server
		}
		if cfg.Token != "" && !cmd.Flags().Changed("token") {
			token = cfg.Token
		}
		if cfg.Subdomain != "" && !cmd.Flags().Changed("subdomain") {
			subdomain = cfg.Subdomain
		}
		if cfg.TunnelID != "" && !cmd.Flags().Changed("tunnel-id") {
			tunnelID = cfg.TunnelID
		}
		if cfg.Debug != nil && !cmd.Flags().Changed("debug") {
			debug = *cfg.Debug
		}
		if cfg.TLS != nil && !cmd.Flags().Changed("tls") {
			useTLS = *cfg.TLS
		}
		if cfg.Insecure != nil && !cmd.Flags().Changed("insecure") {
			insecure = *cfg.Insecure
		}
	}

	if debug {
		log.SetLevel(log.DebugLevel)
	} else {
		log.SetLevel(log.InfoLevel)
	}

	if tunnelID == "" && subdomain == "" {
		return errors.New("rtun: one of --tunnel-id or --subdomain is required")
	}

	localAddr := args[0]
	if !strings.Contains(localAddr, ":") {
		localAddr = "localhost:" + localAddr
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a := agent.New(agent.Config{
		ServerAddr:         serverAddr,
		LocalAddr:          localAddr,
		TunnelID:           tunnelID,
		Subdomain:          subdomain,
		Token:              token,
		UseTLS:             useTLS,
		InsecureSkipVerify: insecure,
	})

	if err := a.Run(ctx); err != nil {
		return fmt.Errorf("rtun: %w", err)
	}
	log.Info("shutting down")
	return nil
}
