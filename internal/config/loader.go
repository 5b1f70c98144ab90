package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Environment overrides, applied after the file is parsed.
const (
	EnvScorerAPIKey = "NPE_SCORER_API_KEY"
	EnvRedisAddr    = "NPE_REDIS_ADDR"
	EnvKafkaBrokers = "NPE_KAFKA_BROKERS"
	EnvDBPath       = "NPE_DB_PATH"
)

// Loader reads a YAML config file and watches it for changes.
type Loader struct {
	path     string
	log      *slog.Logger
	mu       sync.RWMutex
	current  *Config
	onChange []func(*Config)
}

// NewLoader creates a Loader and performs the initial load. The loaded
// config is validated; an invalid file is an error.
func NewLoader(path string, logger *slog.Logger) (*Loader, error) {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Loader{path: path, log: logger}
	cfg, err := l.load()
	if err != nil {
		return nil, err
	}
	l.current = cfg
	return l, nil
}

// Config returns the current (latest) configuration.
func (l *Loader) Config() *Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.current
}

// OnChange registers a callback invoked whenever the config reloads.
func (l *Loader) OnChange(fn func(*Config)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onChange = append(l.onChange, fn)
}

// Watch starts a background goroutine that hot-reloads the config on file changes.
// Call the returned stop function to clean up.
func (l *Loader) Watch() (stop func(), err error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config watcher: %w", err)
	}
	if err := w.Add(l.path); err != nil {
		w.Close()
		return nil, fmt.Errorf("config watcher add %s: %w", l.path, err)
	}

	done := make(chan struct{})
	var once sync.Once
	go func() {
		defer w.Close()
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) {
					if _, err := l.Reload(); err != nil {
						l.log.Error("config reload failed, keeping previous config", "path", l.path, "err", err)
					}
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				l.log.Warn("config watcher error", "err", err)
			case <-done:
				return
			}
		}
	}()

	return func() { once.Do(func() { close(done) }) }, nil
}

// Reload forces an immediate re-read of the config file. On error the
// current config is kept.
func (l *Loader) Reload() (*Config, error) {
	cfg, err := l.load()
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	prev := l.current
	l.current = cfg
	callbacks := make([]func(*Config), len(l.onChange))
	copy(callbacks, l.onChange)
	l.mu.Unlock()

	if prev != nil {
		for _, field := range RestartRequired(prev, cfg) {
			l.log.Warn("config change needs a restart, ignored until then", "field", field)
		}
	}
	l.log.Info("config reloaded", "path", l.path, "version", cfg.Version)
	for _, fn := range callbacks {
		fn(cfg)
	}
	return cfg, nil
}

func (l *Loader) load() (*Config, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", l.path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", l.path, err)
	}
	return cfg, nil
}

// Parse decodes YAML, then applies environment overrides, defaults and
// validation.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}
	applyEnv(&cfg)
	applyDefaults(&cfg)
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv(EnvScorerAPIKey); v != "" {
		cfg.Scorer.APIKey = v
	}
	if v := os.Getenv(EnvRedisAddr); v != "" {
		cfg.KV.Driver, cfg.KV.Addr = "redis", v
	}
	if v := os.Getenv(EnvKafkaBrokers); v != "" {
		cfg.Queue.Driver = "kafka"
		cfg.Queue.Brokers = strings.Split(v, ",")
	}
	if v := os.Getenv(EnvDBPath); v != "" {
		cfg.Store.Path = v
	}
}

func applyDefaults(cfg *Config) {
	setInt := func(p *int, v int) {
		if *p == 0 {
			*p = v
		}
	}
	setStr := func(p *string, v string) {
		if *p == "" {
			*p = v
		}
	}
	setFloat := func(p *float64, v float64) {
		if *p == 0 {
			*p = v
		}
	}

	setStr(&cfg.Server.Addr, ":8080")
	setInt(&cfg.Server.ReadTimeoutMs, 5000)
	setInt(&cfg.Server.WriteTimeoutMs, 30000)
	setInt(&cfg.Server.ShutdownTimeoutMs, 10000)
	setStr(&cfg.Log.Level, "info")
	setStr(&cfg.Log.Format, "text")
	setStr(&cfg.Store.Path, "npe.db")
	setStr(&cfg.KV.Driver, "memory")
	setStr(&cfg.Queue.Driver, "memory")
	setStr(&cfg.Queue.ImmediateTopic, "notifications.immediate")
	setStr(&cfg.Queue.DeferredTopic, "notifications.deferred")
	setInt(&cfg.Queue.WriteTimeoutMs, 5000)

	setInt(&cfg.Engine.BatchWorkers, 20)
	setInt(&cfg.Engine.QueueDepth, 500)
	setInt(&cfg.Rules.RefreshSec, 15)

	setInt(&cfg.Dedup.ExactTTLSec, 3600)
	setInt(&cfg.Dedup.NearTTLSec, 86400)
	setFloat(&cfg.Dedup.Threshold, 0.85)
	setInt(&cfg.Dedup.MinNearLength, 20)
	setInt(&cfg.Dedup.MaxSketches, 50)
	setInt(&cfg.Dedup.CooldownSec, 3600)
	setStr(&cfg.Dedup.CooldownAction, "defer")

	setInt(&cfg.Caps.Hourly, 5)
	setInt(&cfg.Caps.Daily, 20)
	setInt(&cfg.Enrich.TimeoutMs, 250)

	setStr(&cfg.Scorer.BaseURL, "https://api.groq.com/openai/v1")
	setStr(&cfg.Scorer.Model, "llama-3.1-8b-instant")
	setInt(&cfg.Scorer.TimeoutMs, 1500)
	setInt(&cfg.Scorer.BreakerThreshold, 3)
	setInt(&cfg.Scorer.BreakerRecoverySec, 30)
	setFloat(&cfg.Scorer.ThresholdNow, 0.75)
	setFloat(&cfg.Scorer.ThresholdLater, 0.40)

	setInt(&cfg.Dispatch.MaxAttempts, 3)
	setInt(&cfg.Dispatch.RetryBaseMs, 100)
	setInt(&cfg.Dispatch.RetryMaxMs, 2000)

	setInt(&cfg.Digest.TickSec, 30)
	setInt(&cfg.Digest.WindowMin, 30)
	setInt(&cfg.Digest.RedriveSec, 60)
	setInt(&cfg.Digest.BatchLimit, 100)
}

// RestartRequired lists the settings that differ between prev and next
// but are only read at startup.
func RestartRequired(prev, next *Config) []string {
	var out []string
	check := func(name string, changed bool) {
		if changed {
			out = append(out, name)
		}
	}
	check("server.addr", prev.Server.Addr != next.Server.Addr)
	check("log", prev.Log != next.Log)
	check("store.path", prev.Store.Path != next.Store.Path)
	check("kv", prev.KV != next.KV)
	check("queue.driver", prev.Queue.Driver != next.Queue.Driver)
	check("queue.brokers", strings.Join(prev.Queue.Brokers, ",") != strings.Join(next.Queue.Brokers, ","))
	check("engine", prev.Engine != next.Engine)
	check("rules.refresh_sec", prev.Rules != next.Rules)
	check("scorer.api_key", prev.Scorer.APIKey != next.Scorer.APIKey)
	check("scorer.base_url", prev.Scorer.BaseURL != next.Scorer.BaseURL)
	check("scorer.model", prev.Scorer.Model != next.Scorer.Model)
	check("dispatch", prev.Dispatch != next.Dispatch)
	check("digest", prev.Digest != next.Digest)
	return out
}
