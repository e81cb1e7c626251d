package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.DefaultAgent != "main" {
		t.Errorf("default agent = %q", cfg.DefaultAgent)
	}
	if cfg.Agent.TimeoutSeconds != 1200 || cfg.Agent.MaxCompactions != 3 {
		t.Errorf("agent defaults = %+v", cfg.Agent)
	}
	if cfg.Queue.Mode != QueueModeCollect || cfg.Queue.Cap != 20 {
		t.Errorf("queue defaults = %+v", cfg.Queue)
	}
	if cfg.LLM.Provider != "openai" || cfg.LLM.Model == "" {
		t.Errorf("llm defaults = %+v", cfg.LLM)
	}
	if cfg.Gateway.Address != ":8088" {
		t.Errorf("gateway address = %q", cfg.Gateway.Address)
	}
}

func TestLoadAppliesFileAndFillsPaths(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "openclaw.yaml")
	yaml := `
default_agent: ops
data_dir: ` + dir + `
agent:
  timeout_seconds: 60
llm:
  model: test-model
queue:
  mode: followup
`
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.DefaultAgent != "ops" {
		t.Errorf("default agent = %q", cfg.DefaultAgent)
	}
	if cfg.Agent.TimeoutSeconds != 60 {
		t.Errorf("timeout = %d, file must win", cfg.Agent.TimeoutSeconds)
	}
	if cfg.Agent.MaxCompactions != 3 {
		t.Errorf("max compactions = %d, unset fields keep defaults", cfg.Agent.MaxCompactions)
	}
	if cfg.LLM.Model != "test-model" || cfg.LLM.Provider != "openai" {
		t.Errorf("llm = %+v", cfg.LLM)
	}
	if cfg.Queue.Mode != QueueModeFollowup {
		t.Errorf("queue mode = %q", cfg.Queue.Mode)
	}
	if cfg.Scheduler.StorePath != filepath.Join(dir, "cron.json") {
		t.Errorf("cron store = %q", cfg.Scheduler.StorePath)
	}
	if cfg.Profiles.StorePath != filepath.Join(dir, "profiles.json") {
		t.Errorf("profiles store = %q", cfg.Profiles.StorePath)
	}
}

func TestEnvOverridesSecrets(t *testing.T) {
	t.Setenv("TELEGRAM_BOT_TOKEN", "tg-token")
	t.Setenv("OPENCLAW_GATEWAY_TOKEN", "gw-token")

	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Channels.Telegram.Token != "tg-token" {
		t.Errorf("telegram token = %q", cfg.Channels.Telegram.Token)
	}
	if cfg.Gateway.AuthToken != "gw-token" {
		t.Errorf("gateway token = %q", cfg.Gateway.AuthToken)
	}
}
