package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadAppliesDefaults(t *testing.T) {
	configViper := NewViper()
	configViper.Set("auth.signing_secret", "secret")

	cfg, err := Load(configViper)
	if err != nil {
		t.Fatalf("unexpected load error: %v", err)
	}
	if cfg.HTTPAddress != defaultHTTPAddress || cfg.DatabasePath != defaultDatabasePath {
		t.Fatalf("unexpected defaults %#v", cfg)
	}
	if cfg.InitializeWaitRetries != 10 || cfg.InitializeWaitInterval != 500*time.Millisecond || cfg.InitializeWaitMode != "bounded" {
		t.Fatalf("unexpected wait defaults %#v", cfg)
	}
	if cfg.AuthTokenTTL != 30*time.Minute || cfg.SchedulerInterval != time.Minute {
		t.Fatalf("unexpected duration defaults %#v", cfg)
	}
}

func TestLoadReadsEnvironment(t *testing.T) {
	t.Setenv("HIPPO_AUTH_SIGNING_SECRET", "from-env")
	t.Setenv("HIPPO_INITIALIZE_WAIT_MODE", "Unbounded")
	t.Setenv("HIPPO_INITIALIZE_WAIT_RETRIES", "3")

	cfg, err := Load(NewViper())
	if err != nil {
		t.Fatalf("unexpected load error: %v", err)
	}
	if cfg.AuthSigningSecret != "from-env" || cfg.InitializeWaitMode != "unbounded" || cfg.InitializeWaitRetries != 3 {
		t.Fatalf("expected environment overrides, got %#v", cfg)
	}
}

func TestLoadValidates(t *testing.T) {
	cases := map[string]struct {
		settings map[string]any
		want     string
	}{
		"missing secret": {settings: map[string]any{}, want: "auth.signing_secret"},
		"bad wait mode": {
			settings: map[string]any{"auth.signing_secret": "s", "initialize.wait_mode": "forever"},
			want:     "initialize.wait_mode",
		},
		"watch without file": {
			settings: map[string]any{"auth.signing_secret": "s", "bootstrap.watch": true},
			want:     "bootstrap.watch",
		},
		"sample rate": {
			settings: map[string]any{"auth.signing_secret": "s", "tracing.sample_rate": 2.0},
			want:     "tracing.sample_rate",
		},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			configViper := NewViper()
			for key, value := range tc.settings {
				configViper.Set(key, value)
			}
			_, err := Load(configViper)
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error mentioning %s, got %v", tc.want, err)
			}
		})
	}
}
