package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
)

func withConfigFile(t *testing.T, path string) {
	t.Helper()
	previous := cfgFile
	cfgFile = path
	t.Cleanup(func() {
		cfgFile = previous
		viper.Reset()
	})
}

func TestInitConfigReportsMissingExplicitFile(t *testing.T) {
	withConfigFile(t, filepath.Join(t.TempDir(), "absent.yaml"))
	if err := initConfig(); err == nil {
		t.Fatalf("expected an error for a missing config file")
	}
}

func TestInitConfigReportsMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.yaml")
	if err := os.WriteFile(path, []byte("http: [unclosed\n"), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	withConfigFile(t, path)
	if err := initConfig(); err == nil {
		t.Fatalf("expected an error for a malformed config file")
	}
}

func TestInitConfigLoadsExplicitFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hippo.yaml")
	if err := os.WriteFile(path, []byte("http:\n  address: \":9090\"\n"), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	withConfigFile(t, path)
	if err := initConfig(); err != nil {
		t.Fatalf("unexpected config error: %v", err)
	}
	if got := viper.GetString("http.address"); got != ":9090" {
		t.Fatalf("expected address from file, got %q", got)
	}
}
