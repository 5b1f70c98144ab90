package config

import "time"

// Config is the top-level YAML structure.
type Config struct {
	Version  string       `yaml:"version"`
	Server   ServerConf   `yaml:"server"`
	Log      LogConf      `yaml:"log"`
	Store    StoreConf    `yaml:"store"`
	KV       KVConf       `yaml:"kv"`
	Queue    QueueConf    `yaml:"queue"`
	Engine   EngineConf   `yaml:"engine"`
	Rules    RulesConf    `yaml:"rules"`
	Dedup    DedupConf    `yaml:"dedup"`
	Caps     CapsConf     `yaml:"caps"`
	Enrich   EnrichConf   `yaml:"enrich"`
	Scorer   ScorerConf   `yaml:"scorer"`
	Dispatch DispatchConf `yaml:"dispatch"`
	Digest   DigestConf   `yaml:"digest"`
}

type ServerConf struct {
	Addr              string `yaml:"addr"`
	ReadTimeoutMs     int    `yaml:"read_timeout_ms"`
	WriteTimeoutMs    int    `yaml:"write_timeout_ms"`
	ShutdownTimeoutMs int    `yaml:"shutdown_timeout_ms"`
}

type LogConf struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // text | json
}

type StoreConf struct {
	Path string `yaml:"path"`
}

// KVConf selects the counter/dedup store. Driver is memory or redis.
type KVConf struct {
	Driver   string `yaml:"driver"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// QueueConf selects the outbound queue. Driver is memory or kafka.
type QueueConf struct {
	Driver         string   `yaml:"driver"`
	Brokers        []string `yaml:"brokers"`
	ImmediateTopic string   `yaml:"immediate_topic"`
	DeferredTopic  string   `yaml:"deferred_topic"`
	WriteTimeoutMs int      `yaml:"write_timeout_ms"`
}

// EngineConf holds batch concurrency settings.
type EngineConf struct {
	BatchWorkers int `yaml:"batch_workers"`
	QueueDepth   int `yaml:"queue_depth"`
}

type RulesConf struct {
	RefreshSec int `yaml:"refresh_sec"`
}

type DedupConf struct {
	ExactTTLSec    int     `yaml:"exact_ttl_sec"`
	NearTTLSec     int     `yaml:"near_ttl_sec"`
	Threshold      float64 `yaml:"threshold"`
	MinNearLength  int     `yaml:"min_near_length"`
	MaxSketches    int     `yaml:"max_sketches"`
	CooldownSec    int     `yaml:"cooldown_sec"`
	CooldownAction string  `yaml:"cooldown_action"` // defer | suppress
}

type CapsConf struct {
	Hourly int `yaml:"hourly"`
	Daily  int `yaml:"daily"`
}

type EnrichConf struct {
	TimeoutMs int `yaml:"timeout_ms"`
}

type ScorerConf struct {
	APIKey             string  `yaml:"api_key"`
	BaseURL            string  `yaml:"base_url"`
	Model              string  `yaml:"model"`
	TimeoutMs          int     `yaml:"timeout_ms"`
	RatePerSec         int     `yaml:"rate_per_sec"`
	BreakerThreshold   int     `yaml:"breaker_threshold"`
	BreakerRecoverySec int     `yaml:"breaker_recovery_sec"`
	ThresholdNow       float64 `yaml:"threshold_now"`
	ThresholdLater     float64 `yaml:"threshold_later"`
	// FallbackEnabled defaults to true when unset.
	FallbackEnabled *bool `yaml:"fallback_enabled"`
}

// Fallback reports whether the heuristic may stand in for the model.
func (s ScorerConf) Fallback() bool { return s.FallbackEnabled == nil || *s.FallbackEnabled }

type DispatchConf struct {
	MaxAttempts int `yaml:"max_attempts"`
	RetryBaseMs int `yaml:"retry_base_ms"`
	RetryMaxMs  int `yaml:"retry_max_ms"`
	RatePerSec  int `yaml:"rate_per_sec"`
}

type DigestConf struct {
	TickSec    int `yaml:"tick_sec"`
	WindowMin  int `yaml:"window_min"`
	RedriveSec int `yaml:"redrive_sec"`
	BatchLimit int `yaml:"batch_limit"`
}

func ms(n int) time.Duration  { return time.Duration(n) * time.Millisecond }
func sec(n int) time.Duration { return time.Duration(n) * time.Second }

func (s ServerConf) ReadTimeout() time.Duration     { return ms(s.ReadTimeoutMs) }
func (s ServerConf) WriteTimeout() time.Duration    { return ms(s.WriteTimeoutMs) }
func (s ServerConf) ShutdownTimeout() time.Duration { return ms(s.ShutdownTimeoutMs) }
func (q QueueConf) WriteTimeout() time.Duration     { return ms(q.WriteTimeoutMs) }
func (r RulesConf) Refresh() time.Duration          { return sec(r.RefreshSec) }
func (d DedupConf) Cooldown() time.Duration         { return sec(d.CooldownSec) }
func (e EnrichConf) Timeout() time.Duration         { return ms(e.TimeoutMs) }
func (s ScorerConf) Timeout() time.Duration         { return ms(s.TimeoutMs) }
func (s ScorerConf) BreakerRecovery() time.Duration { return sec(s.BreakerRecoverySec) }
func (d DispatchConf) RetryBase() time.Duration     { return ms(d.RetryBaseMs) }
func (d DispatchConf) RetryMax() time.Duration      { return ms(d.RetryMaxMs) }
func (d DigestConf) Tick() time.Duration            { return sec(d.TickSec) }
func (d DigestConf) Window() time.Duration          { return time.Duration(d.WindowMin) * time.Minute }
func (d DigestConf) RedriveTick() time.Duration     { return sec(d.RedriveSec) }
