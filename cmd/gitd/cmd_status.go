package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/shurlinet/gitd/internal/identity"
	"github.com/shurlinet/gitd/internal/nodeconfig"
)

func runStatus(args []string) {
	if err := doStatus(args, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		osExit(1)
	}
}

// doStatus prints the resolved, on-disk configuration for a node,
// without starting it — a read-only counterpart to `gitd daemon`'s
// "status" operator command, which reports live in-memory state
// instead.
func doStatus(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	configFlag := fs.String("config", defaultConfigPath, "path to the config file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := nodeconfig.Load(*configFlag)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	fmt.Fprintf(stdout, "Config:        %s\n", *configFlag)
	fmt.Fprintf(stdout, "Version:       %d\n", cfg.Version)
	fmt.Fprintf(stdout, "Identity key:  %s\n", cfg.Identity.KeyFile)
	if _, err := os.Stat(cfg.Identity.KeyFile); err == nil {
		if signer, err := identity.LoadOrCreateSigner(cfg.Identity.KeyFile); err == nil {
			fmt.Fprintf(stdout, "Node ID:       %s\n", signer.NodeID())
		}
	}
	fmt.Fprintf(stdout, "Alias:         %s\n", cfg.Network.Alias)
	fmt.Fprintf(stdout, "Listen:        %s\n", strings.Join(cfg.Network.ListenAddresses, ", "))
	fmt.Fprintf(stdout, "Persistent:    %s\n", strings.Join(cfg.Network.PersistentPeers, ", "))
	fmt.Fprintf(stdout, "Tracking mode: %s (remote: %s)\n", orAll(cfg.Tracking.Mode), orDelegates(cfg.Tracking.RemoteMode))
	fmt.Fprintf(stdout, "Metrics:       enabled=%v listen=%s\n", cfg.Metrics.Enabled, cfg.Metrics.ListenAddress)
	return nil
}

func orAll(mode string) string {
	if mode == "" {
		return "all"
	}
	return mode
}

func orDelegates(mode string) string {
	if mode == "" {
		return "delegates"
	}
	return mode
}
