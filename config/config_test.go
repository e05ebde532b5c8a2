package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/kilianp07/fleetalloc/core/allocation"
)

func writeFile(t *testing.T, name, data string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad(t *testing.T) {
	path := writeFile(t, "config.yaml", `server:
  addr: ":9000"
  metrics_addr: ":9100"
  token: "secret"
store:
  lock_timeout_ms: 500
  max_delete_retries: 2
persistence:
  type: "sqlite"
  conf:
    path: "/tmp/fleet.db"
fanout:
  backend: "mqtt"
mqtt:
  broker: "tcp://localhost:1883"
  client_id: "alloc"
allocation:
  move_policy: "restore"
metrics:
  sinks:
    - type: "nop"
audit:
  backend: "jsonl"
  path: "/tmp/audit.jsonl"
client:
  server_url: "http://alloc:9000"
sentry:
  dsn: ""
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load error: %v", err)
	}
	checks := []struct {
		name string
		got  any
		want any
	}{
		{"server.addr", cfg.Server.Addr, ":9000"},
		{"server.metrics_addr", cfg.Server.MetricsAddr, ":9100"},
		{"server.token", cfg.Server.Token, "secret"},
		{"store.lock_timeout", cfg.Store.Assignment().LockTimeout, 500 * time.Millisecond},
		{"store.max_delete_retries", cfg.Store.Assignment().MaxDeleteRetries, 2},
		{"persistence.type", cfg.Persistence.Type, "sqlite"},
		{"persistence.path", cfg.Persistence.Conf["path"], "/tmp/fleet.db"},
		{"fanout.backend", cfg.Fanout.Backend, "mqtt"},
		{"mqtt.broker", cfg.MQTT.Broker, "tcp://localhost:1883"},
		{"mqtt.client_id", cfg.MQTT.ClientID, "alloc"},
		{"mqtt.qos", cfg.MQTT.QoS, byte(1)},
		{"allocation.move_policy", cfg.Allocation.MovePolicy, allocation.MovePolicy("restore")},
		{"metrics_sink", len(cfg.Metrics.Sinks) == 1 && cfg.Metrics.Sinks[0].Type == "nop", true},
		{"audit.backend", cfg.Audit.Backend, "jsonl"},
		{"client.server_url", cfg.Client.ServerURL, "http://alloc:9000"},
		{"sentry.enabled", cfg.Sentry.Enabled(), false},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s: got %v want %v", c.name, c.got, c.want)
		}
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeFile(t, "config.json", `{}`))
	if err != nil {
		t.Fatalf("load error: %v", err)
	}
	if cfg.Server.Addr != ":8080" {
		t.Errorf("addr %q", cfg.Server.Addr)
	}
	if cfg.Fanout.Backend != "memory" || cfg.Fanout.Buffer != 256 {
		t.Errorf("fanout %+v", cfg.Fanout)
	}
	if cfg.Persistence.Type != "memory" {
		t.Errorf("persistence %q", cfg.Persistence.Type)
	}
	if cfg.Allocation.MovePolicy != allocation.LeaveUnassigned {
		t.Errorf("policy %q", cfg.Allocation.MovePolicy)
	}
	if cfg.Client.ServerURL == "" {
		t.Error("client server url not defaulted")
	}
}

func TestLoadEnvOverride(t *testing.T) {
	path := writeFile(t, "config.yaml", "server:\n  addr: \":9000\"\n")
	t.Setenv("K_SERVER__ADDR", ":7000")
	t.Setenv("K_AUDIT__BACKEND", "sqlite")
	t.Setenv("K_AUDIT__PATH", "/tmp/audit.db")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load error: %v", err)
	}
	if cfg.Server.Addr != ":7000" {
		t.Errorf("addr %q", cfg.Server.Addr)
	}
	if cfg.Audit.Backend != "sqlite" || cfg.Audit.Path != "/tmp/audit.db" {
		t.Errorf("audit %+v", cfg.Audit)
	}
}

func TestLoadEnvOnly(t *testing.T) {
	t.Setenv("K_SERVER__TOKEN", "tok")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load error: %v", err)
	}
	if cfg.Server.Token != "tok" {
		t.Errorf("token %q", cfg.Server.Token)
	}
}

func TestLoadInvalid(t *testing.T) {
	cases := map[string]string{
		"fanout":      "fanout:\n  backend: kafka\n",
		"mqtt broker": "fanout:\n  backend: mqtt\n",
		"policy":      "allocation:\n  move_policy: bogus\n",
		"audit path":  "audit:\n  backend: jsonl\n",
		"lock":        "store:\n  lock_timeout_ms: -1\n",
		"client url":  "client:\n  server_url: \"ftp://x\"\n",
	}
	for name, data := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Load(writeFile(t, "config.yaml", data)); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestLoadUnsupportedFormat(t *testing.T) {
	if _, err := Load(writeFile(t, "config.toml", "")); err == nil {
		t.Fatal("expected error for toml")
	}
}
