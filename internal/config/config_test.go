package config

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"
)

func noEnv(string) (string, bool) { return "", false }

func mapEnv(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	return p
}

func newManager(path string, env func(string) (string, bool)) *ConfigManager {
	m := NewConfigManager(path)
	m.lookupEnv = env
	return m
}

func TestParseJSONAndYAML(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	jsonPath := writeFile(t, dir, "c.json", `{
		"telegram": {"token": "t", "owner_user_ids": [1, 2]},
		"sender": {"driver": "bot"},
		"broadcast": {"poll_interval": "5s", "max_attempts": 4}
	}`)
	yamlPath := writeFile(t, dir, "c.yaml", `
telegram:
  token: t
  owner_user_ids: [1, 2]
sender:
  driver: bot
broadcast:
  poll_interval: 5s
  max_attempts: 4
`)
	for _, p := range []string{jsonPath, yamlPath} {
		cfg, err := newManager(p, noEnv).Parse()
		if err != nil {
			t.Fatalf("%s: %v", filepath.Base(p), err)
		}
		if cfg.Telegram.Token != "t" || len(cfg.Telegram.OwnerUserIDs) != 2 || cfg.Sender.Driver != "bot" {
			t.Fatalf("%s: cfg=%+v", filepath.Base(p), cfg)
		}
		if cfg.Broadcast.PollInterval != "5s" || cfg.Broadcast.MaxAttempts != 4 {
			t.Fatalf("%s: broadcast=%+v", filepath.Base(p), cfg.Broadcast)
		}
	}
}

func TestParseRejectsUnknownAndTrailing(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	cases := map[string]string{
		"unknown.json":  `{"telegram": {"tokn": "x"}}`,
		"trailing.json": `{"telegram": {}} {"logging": {}}`,
		"unknown.yaml":  "storage:\n  drive: sqlite\n",
		"badyaml.yml":   "telegram: [\n",
	}
	for name, body := range cases {
		p := writeFile(t, dir, name, body)
		if _, err := newManager(p, noEnv).Parse(); err == nil {
			t.Fatalf("%s: want error", name)
		}
	}
}

func TestEnvOverridesFile(t *testing.T) {
	t.Parallel()
	p := writeFile(t, t.TempDir(), "c.json", `{"telegram": {"token": "file", "owner_user_ids": [1]}, "storage": {"path": "a.db"}}`)

	cfg, err := newManager(p, mapEnv(map[string]string{
		EnvToken:           "env-token",
		EnvOwnerID:         "10, 11",
		EnvAPIID:           "12345",
		EnvAPIHash:         "hash",
		EnvPhone:           "+100",
		EnvDBPath:          "b.db",
		EnvDefaultInterval: "6",
		EnvDefaultDelay:    "2.5",
		EnvSessionFile:     "s.json",
		EnvLogLevel:        "",
	})).Parse()
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Telegram.Token != "env-token" || len(cfg.Telegram.OwnerUserIDs) != 2 || cfg.Telegram.OwnerUserIDs[1] != 11 {
		t.Fatalf("telegram=%+v", cfg.Telegram)
	}
	if cfg.Sender.APIID != 12345 || cfg.Sender.APIHash != "hash" || cfg.Sender.Phone != "+100" || cfg.Sender.SessionFile != "s.json" {
		t.Fatalf("sender=%+v", cfg.Sender)
	}
	if cfg.Storage.Path != "b.db" {
		t.Fatalf("storage=%+v", cfg.Storage)
	}
	if cfg.Broadcast.DefaultInterval != "6h0m0s" || cfg.Broadcast.DefaultDelay != "2.5s" {
		t.Fatalf("broadcast=%+v", cfg.Broadcast)
	}
	if cfg.Logging.Level != "" {
		t.Fatalf("empty env value must not override: %q", cfg.Logging.Level)
	}
}

func TestEnvOnlyWithoutFile(t *testing.T) {
	t.Parallel()

	cfg, err := newManager("", mapEnv(map[string]string{EnvToken: "x", EnvOwnerID: "7"})).Parse()
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Telegram.Token != "x" || cfg.Telegram.OwnerUserIDs[0] != 7 {
		t.Fatalf("cfg=%+v", cfg.Telegram)
	}

	if _, err := newManager("", mapEnv(map[string]string{EnvAPIID: "abc"})).Parse(); err == nil {
		t.Fatalf("bad API_ID accepted")
	}
	if _, err := newManager("", mapEnv(map[string]string{EnvOwnerID: ","})).Parse(); err == nil {
		t.Fatalf("empty OWNER_ID list accepted")
	}
}

func TestLoadEnvFile(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, ".env", "AUTOBC_TEST_A=from-file\nAUTOBC_TEST_B=from-file\n")
	t.Setenv("AUTOBC_TEST_B", "preset")

	if err := LoadEnvFile(p, true); err != nil {
		t.Fatalf("load: %v", err)
	}
	defer os.Unsetenv("AUTOBC_TEST_A")
	if os.Getenv("AUTOBC_TEST_A") != "from-file" || os.Getenv("AUTOBC_TEST_B") != "preset" {
		t.Fatalf("A=%q B=%q", os.Getenv("AUTOBC_TEST_A"), os.Getenv("AUTOBC_TEST_B"))
	}

	missing := filepath.Join(dir, "missing.env")
	if err := LoadEnvFile(missing, false); err != nil {
		t.Fatalf("optional missing file: %v", err)
	}
	if err := LoadEnvFile(missing, true); err == nil {
		t.Fatalf("required missing file accepted")
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		mut  func(*Config)
		ok   bool
	}{
		{"zero", func(*Config) {}, true},
		{"bad sender driver", func(c *Config) { c.Sender.Driver = "sms" }, false},
		{"bad storage driver", func(c *Config) { c.Storage.Driver = "postgres" }, false},
		{"bad duration", func(c *Config) { c.Broadcast.FloodWait = "soon" }, false},
		{"negative attempts", func(c *Config) { c.Broadcast.MaxAttempts = -1 }, false},
		{"interval too short", func(c *Config) { c.Broadcast.DefaultInterval = "30m" }, false},
		{"interval ok", func(c *Config) { c.Broadcast.DefaultInterval = "24h" }, true},
		{"delay too long", func(c *Config) { c.Broadcast.DefaultDelay = "2m" }, false},
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }, false},
		{"bad schedule", func(c *Config) { c.Housekeeping = HousekeepingConfig{Enabled: true, Schedule: "61 * * * *"} }, false},
		{"cron schedule", func(c *Config) { c.Housekeeping = HousekeepingConfig{Enabled: true, Schedule: "@daily"} }, true},
	}
	for _, tc := range cases {
		var cfg Config
		tc.mut(&cfg)
		err := Validate(&cfg)
		if tc.ok != (err == nil) {
			t.Fatalf("%s: err=%v", tc.name, err)
		}
	}
}

func TestSummarizeConfigChangeHidesSecrets(t *testing.T) {
	t.Parallel()

	oldCfg := &Config{Telegram: TelegramConfig{Token: "secret-a"}, Sender: SenderConfig{APIHash: "hash-a"}}
	newCfg := &Config{
		Telegram:  TelegramConfig{Token: "secret-b"},
		Sender:    SenderConfig{APIHash: "hash-b"},
		Broadcast: BroadcastConfig{MaxAttempts: 5},
	}
	changed, attrs := SummarizeConfigChange(oldCfg, newCfg)
	if strings.Join(changed, ",") != "broadcast,sender,telegram" {
		t.Fatalf("changed=%v", changed)
	}
	if len(attrs) == 0 {
		t.Fatalf("no attrs")
	}

	restart := RestartRequired(oldCfg, newCfg)
	if len(restart) != 2 {
		t.Fatalf("restart=%v", restart)
	}
	if got, _ := SummarizeConfigChange(newCfg, newCfg); len(got) != 0 {
		t.Fatalf("identical configs reported changes: %v", got)
	}
}

func TestWatchPublishesValidChanges(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	p := writeFile(t, dir, "c.json", `{"broadcast": {"max_attempts": 3}}`)

	m := newManager(p, noEnv)
	if _, err := m.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	m.SetValidator(func(_ context.Context, cfg *Config) error { return nil })
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Watch(ctx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	// Keep rewriting until the watcher is registered and a reload lands.
	// Writes must be spaced past the reload debounce or the timer never fires.
	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(2 * reloadDebounce)
	defer tick.Stop()
	n := 4
	for {
		select {
		case cfg := <-ch:
			if cfg.Broadcast.MaxAttempts < 4 {
				t.Fatalf("published stale config: %+v", cfg.Broadcast)
			}
			if got := m.Get().Broadcast.MaxAttempts; got != cfg.Broadcast.MaxAttempts {
				t.Fatalf("Get()=%d want %d", got, cfg.Broadcast.MaxAttempts)
			}
			return
		case <-tick.C:
			_ = os.WriteFile(p, []byte(`{"broadcast": {"max_attempts": `), 0o600)
			_ = os.WriteFile(p, []byte(`{"broadcast": {"max_attempts": `+strconv.Itoa(n)+`}}`), 0o600)
			n++
		case <-deadline:
			t.Fatalf("no config published")
		}
	}
}
