package main

import (
	"flag"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/shurlinet/gitd/internal/identity"
	"github.com/shurlinet/gitd/internal/nodeconfig"
)

const defaultConfigPath = "gitd.yaml"

func runInit(args []string) {
	if err := doInit(args, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		osExit(1)
	}
}

func doInit(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("init", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	configFlag := fs.String("config", defaultConfigPath, "path to write the config file")
	keyFlag := fs.String("key", "identity.key", "path to write the node's identity key")
	aliasFlag := fs.String("alias", "", "node alias advertised in node announcements")
	listenFlag := fs.String("listen", "/ip4/0.0.0.0/tcp/0", "libp2p listen multiaddr")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if _, err := os.Stat(*configFlag); err == nil {
		return fmt.Errorf("config already exists: %s (delete it first to reinitialize)", *configFlag)
	}

	signer, err := identity.LoadOrCreateSigner(*keyFlag)
	if err != nil {
		return fmt.Errorf("generate identity: %w", err)
	}

	cfg := nodeconfig.Default()
	cfg.Identity.KeyFile = *keyFlag
	cfg.Network.Alias = *aliasFlag
	cfg.Network.ListenAddresses = []string{*listenFlag}

	data, err := yaml.Marshal(&cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(*configFlag, data, 0600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	fmt.Fprintf(stdout, "Node ID:     %s\n", signer.NodeID())
	fmt.Fprintf(stdout, "Config:      %s\n", *configFlag)
	fmt.Fprintf(stdout, "Identity:    %s\n", *keyFlag)
	fmt.Fprintln(stdout)
	fmt.Fprintln(stdout, "Run 'gitd daemon' to start the node.")
	return nil
}
