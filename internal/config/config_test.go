package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestParseAppliesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
provider:
  kind: cli
  command: /usr/local/bin/model
`))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Workspace.Root != "." {
		t.Errorf("workspace root = %q", cfg.Workspace.Root)
	}
	if cfg.Agent.MaxSteps != 3 {
		t.Errorf("max steps = %d", cfg.Agent.MaxSteps)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "json" {
		t.Errorf("logging defaults = %+v", cfg.Logging)
	}
}

func TestParseExpandsEnv(t *testing.T) {
	t.Setenv("COURIER_TEST_TOKEN", "tg-secret-token")
	cfg, err := Parse([]byte(`
telegram:
  token: ${COURIER_TEST_TOKEN}
provider:
  kind: cli
  command: model
`))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Telegram.Token != "tg-secret-token" {
		t.Errorf("token = %q", cfg.Telegram.Token)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name:    "anthropic without key",
			yaml:    "provider:\n  kind: anthropic\n",
			wantErr: "requires api_key",
		},
		{
			name:    "cli without command",
			yaml:    "provider:\n  kind: cli\n",
			wantErr: "requires command",
		},
		{
			name:    "unknown kind",
			yaml:    "provider:\n  kind: bard\n",
			wantErr: "unknown provider kind",
		},
		{
			name:    "bad deny pattern",
			yaml:    "provider:\n  kind: cli\n  command: model\nprocess:\n  deny_commands: [\"(\"]\n",
			wantErr: "deny_commands",
		},
		{
			name: "valid openai",
			yaml: "provider:\n  kind: openai\n  api_key: k\n  base_url: http://localhost:8080/v1\n",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("err = %v, want %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoadFullConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	raw := `
workspace:
  root: /srv/work
telegram:
  token: tok
  allowed_user_ids: [42]
provider:
  kind: anthropic
  model: claude-sonnet-4-20250514
  api_key: sk-test
agent:
  max_steps: 5
  tool_timeout: 90s
  probe_enabled: true
  tool_deny: ["group:git"]
process:
  idle_timeout: 10m
approval:
  ttl: 2m
  max_pending_per_user: 3
storage:
  path: /var/lib/courier/courier.db
logging:
  level: debug
`
	if err := os.WriteFile(path, []byte(raw), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Agent.MaxSteps != 5 || cfg.Agent.ToolTimeout != 90*time.Second {
		t.Errorf("agent = %+v", cfg.Agent)
	}
	if cfg.Process.IdleTimeout != 10*time.Minute {
		t.Errorf("idle timeout = %v", cfg.Process.IdleTimeout)
	}
	if cfg.Approval.TTL != 2*time.Minute || cfg.Approval.MaxPendingPerUser != 3 {
		t.Errorf("approval = %+v", cfg.Approval)
	}
	if len(cfg.Telegram.AllowedUserIDs) != 1 || cfg.Telegram.AllowedUserIDs[0] != 42 {
		t.Errorf("allowed users = %v", cfg.Telegram.AllowedUserIDs)
	}
}
