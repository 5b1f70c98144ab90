package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "npe.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDefaults(t *testing.T) {
	cfg, err := Parse([]byte("version: \"1\"\n"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Scorer.ThresholdNow != 0.75 || cfg.Scorer.ThresholdLater != 0.40 {
		t.Errorf("thresholds %+v", cfg.Scorer)
	}
	if cfg.Caps.Hourly != 5 || cfg.Caps.Daily != 20 {
		t.Errorf("caps %+v", cfg.Caps)
	}
	if cfg.Dedup.Cooldown() != time.Hour || cfg.Dedup.CooldownAction != "defer" || cfg.Dedup.Threshold != 0.85 {
		t.Errorf("dedup %+v", cfg.Dedup)
	}
	if cfg.Scorer.Timeout() != 1500*time.Millisecond || cfg.Enrich.Timeout() != 250*time.Millisecond {
		t.Errorf("timeouts %v %v", cfg.Scorer.Timeout(), cfg.Enrich.Timeout())
	}
	if cfg.Digest.Window() != 30*time.Minute || cfg.Digest.Tick() != 30*time.Second {
		t.Errorf("digest %+v", cfg.Digest)
	}
	if !cfg.Scorer.Fallback() || cfg.KV.Driver != "memory" || cfg.Queue.Driver != "memory" {
		t.Errorf("drivers/fallback %+v %+v", cfg.KV, cfg.Queue)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv(EnvScorerAPIKey, "sk-test")
	t.Setenv(EnvRedisAddr, "redis:6379")
	t.Setenv(EnvKafkaBrokers, "k1:9092,k2:9092")
	t.Setenv(EnvDBPath, "/var/lib/npe.db")

	cfg, err := Parse([]byte("version: \"1\"\nscorer:\n  api_key: from-file\n"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Scorer.APIKey != "sk-test" {
		t.Errorf("api key %q", cfg.Scorer.APIKey)
	}
	if cfg.KV.Driver != "redis" || cfg.KV.Addr != "redis:6379" {
		t.Errorf("kv %+v", cfg.KV)
	}
	if cfg.Queue.Driver != "kafka" || len(cfg.Queue.Brokers) != 2 {
		t.Errorf("queue %+v", cfg.Queue)
	}
	if cfg.Store.Path != "/var/lib/npe.db" {
		t.Errorf("db path %q", cfg.Store.Path)
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name string
		yaml string
		want string
	}{
		{"no version", "caps:\n  hourly: 1\n", "version is required"},
		{"inverted thresholds", "version: \"1\"\nscorer:\n  threshold_now: 0.3\n  threshold_later: 0.5\n", "threshold_now"},
		{"no key no fallback", "version: \"1\"\nscorer:\n  fallback_enabled: false\n", "scorer.api_key"},
		{"redis without addr", "version: \"1\"\nkv:\n  driver: redis\n", "kv.addr"},
		{"bad cooldown action", "version: \"1\"\ndedup:\n  cooldown_action: drop\n", "cooldown_action"},
		{"unknown queue", "version: \"1\"\nqueue:\n  driver: nats\n", "queue.driver"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.yaml))
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("err = %v, want mention of %q", err, tc.want)
			}
		})
	}
}

func TestFallbackDisabledWithKey(t *testing.T) {
	cfg, err := Parse([]byte("version: \"1\"\nscorer:\n  api_key: k\n  fallback_enabled: false\n"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Scorer.Fallback() {
		t.Error("fallback should be disabled")
	}
}

func TestReloadCallbacks(t *testing.T) {
	path := writeConfig(t, "version: \"1\"\ncaps:\n  hourly: 5\n")
	l, err := NewLoader(path, nil)
	if err != nil {
		t.Fatal(err)
	}
	var got *Config
	l.OnChange(func(c *Config) { got = c })

	if err := os.WriteFile(path, []byte("version: \"2\"\ncaps:\n  hourly: 7\n  daily: 30\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := l.Reload(); err != nil {
		t.Fatal(err)
	}
	if got == nil || got.Caps.Hourly != 7 || l.Config().Version != "2" {
		t.Fatalf("callback got %+v", got)
	}

	if err := os.WriteFile(path, []byte("version: ["), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := l.Reload(); err == nil {
		t.Fatal("broken YAML must fail to reload")
	}
	if l.Config().Version != "2" {
		t.Error("failed reload must keep the previous config")
	}
}

func TestWatchReloads(t *testing.T) {
	path := writeConfig(t, "version: \"1\"\n")
	l, err := NewLoader(path, nil)
	if err != nil {
		t.Fatal(err)
	}
	changed := make(chan *Config, 4)
	l.OnChange(func(c *Config) { changed <- c })
	stop, err := l.Watch()
	if err != nil {
		t.Fatal(err)
	}
	defer stop()

	if err := os.WriteFile(path, []byte("version: \"2\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	select {
	case c := <-changed:
		if c.Version != "2" {
			t.Errorf("version %q", c.Version)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no reload after write")
	}
}

func TestRestartRequired(t *testing.T) {
	a, _ := Parse([]byte("version: \"1\"\n"))
	b, _ := Parse([]byte("version: \"1\"\nserver:\n  addr: \":9090\"\ncaps:\n  hourly: 9\n  daily: 30\n"))
	got := RestartRequired(a, b)
	if len(got) != 1 || got[0] != "server.addr" {
		t.Errorf("RestartRequired = %v", got)
	}
}

func TestSampleConfigParses(t *testing.T) {
	data, err := os.ReadFile(filepath.Join("..", "..", "configs", "npe.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	cfg, err := Parse(data)
	if err != nil {
		t.Fatalf("sample config: %v", err)
	}
	def, _ := Parse([]byte("version: \"1\"\n"))
	if cfg.Scorer.ThresholdNow != def.Scorer.ThresholdNow || cfg.Caps != def.Caps || cfg.Dedup != def.Dedup {
		t.Errorf("sample config drifted from defaults: scorer=%+v caps=%+v dedup=%+v", cfg.Scorer, cfg.Caps, cfg.Dedup)
	}
}
