package core

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
)

func writeHomeConfig(t *testing.T, dir string, cfg homeConfig) {
	t.Helper()
	data, err := json.Marshal(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "env.json"), data, 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestHomeDir(t *testing.T) {
	t.Setenv("CLOUDKNOT_HOME", "/srv/knots")
	if got := HomeDir(); got != "/srv/knots" {
		t.Errorf("HomeDir() = %q", got)
	}
	t.Setenv("CLOUDKNOT_HOME", "")
	if got := HomeDir(); filepath.Base(got) != ".cloudknot" {
		t.Errorf("HomeDir() = %q, want ~/.cloudknot", got)
	}
}

func TestLoadHomeEnvNoFile(t *testing.T) {
	t.Setenv("CLOUDKNOT_HOME", t.TempDir())
	// Should be a no-op, no panic
	LoadHomeEnv(zerolog.Nop())
}

func TestLoadHomeEnvSetsVars(t *testing.T) {
	tmp := t.TempDir()
	t.Setenv("CLOUDKNOT_HOME", tmp)
	t.Setenv("MY_VAR_A", "")
	os.Unsetenv("MY_VAR_A")
	t.Setenv("CLOUDKNOT_BACKEND", "")
	os.Unsetenv("CLOUDKNOT_BACKEND")

	writeHomeConfig(t, tmp, homeConfig{
		Backend: "memory",
		Env:     map[string]string{"MY_VAR_A": "value-a"},
	})
	LoadHomeEnv(zerolog.Nop())

	if got := os.Getenv("MY_VAR_A"); got != "value-a" {
		t.Errorf("MY_VAR_A = %q, want %q", got, "value-a")
	}
	if got := os.Getenv("CLOUDKNOT_BACKEND"); got != "memory" {
		t.Errorf("CLOUDKNOT_BACKEND = %q, want memory", got)
	}
}

func TestLoadHomeEnvDoesNotOverride(t *testing.T) {
	tmp := t.TempDir()
	t.Setenv("CLOUDKNOT_HOME", tmp)
	t.Setenv("AWS_REGION", "eu-west-1")

	writeHomeConfig(t, tmp, homeConfig{Env: map[string]string{"AWS_REGION": "us-east-1"}})
	LoadHomeEnv(zerolog.Nop())

	if got := os.Getenv("AWS_REGION"); got != "eu-west-1" {
		t.Errorf("AWS_REGION = %q, want eu-west-1 (should not override)", got)
	}
}

func TestLoadHomeEnvInvalidJSON(t *testing.T) {
	tmp := t.TempDir()
	t.Setenv("CLOUDKNOT_HOME", tmp)
	os.WriteFile(filepath.Join(tmp, "env.json"), []byte("{invalid json"), 0o644)
	// Should warn but not crash
	LoadHomeEnv(zerolog.Nop())
}
