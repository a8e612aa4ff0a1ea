package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/shurlinet/gitd/internal/nodeconfig"
)

func TestDoInitWritesConfigAndKey(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "gitd.yaml")
	keyPath := filepath.Join(dir, "identity.key")

	var out bytes.Buffer
	err := doInit([]string{
		"--config", configPath,
		"--key", keyPath,
		"--alias", "test-node",
		"--listen", "/ip4/0.0.0.0/tcp/9000",
	}, &out)
	if err != nil {
		t.Fatalf("doInit: %v", err)
	}

	if _, err := os.Stat(keyPath); err != nil {
		t.Fatalf("expected key file to be written: %v", err)
	}

	cfg, err := nodeconfig.Load(configPath)
	if err != nil {
		t.Fatalf("load written config: %v", err)
	}
	if cfg.Identity.KeyFile != keyPath {
		t.Errorf("KeyFile = %q, want %q", cfg.Identity.KeyFile, keyPath)
	}
	if cfg.Network.Alias != "test-node" {
		t.Errorf("Alias = %q, want test-node", cfg.Network.Alias)
	}
	if len(cfg.Network.ListenAddresses) != 1 || cfg.Network.ListenAddresses[0] != "/ip4/0.0.0.0/tcp/9000" {
		t.Errorf("ListenAddresses = %v", cfg.Network.ListenAddresses)
	}

	if !strings.Contains(out.String(), "Node ID:") {
		t.Errorf("expected output to contain Node ID, got %q", out.String())
	}
}

func TestDoInitRefusesToOverwrite(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "gitd.yaml")
	if err := os.WriteFile(configPath, []byte("version: 1\n"), 0600); err != nil {
		t.Fatalf("seed config: %v", err)
	}

	var out bytes.Buffer
	err := doInit([]string{"--config", configPath}, &out)
	if err == nil {
		t.Fatal("expected error when config already exists")
	}
}
