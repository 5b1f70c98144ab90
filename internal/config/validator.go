package config

import (
	"fmt"
	"strings"
)

// Validate checks a defaulted config for:
//   - Unknown drivers and missing addresses
//   - Threshold ordering and ranges
//   - Non-positive caps
//   - A scorer that can neither call the model nor fall back
func Validate(cfg *Config) error {
	if cfg.Version == "" {
		return fmt.Errorf("config: version is required")
	}
	var errs []string
	add := func(format string, args ...any) { errs = append(errs, fmt.Sprintf(format, args...)) }

	switch cfg.Log.Format {
	case "text", "json":
	default:
		add("log.format: %q is not text or json", cfg.Log.Format)
	}
	switch strings.ToLower(cfg.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		add("log.level: unknown level %q", cfg.Log.Level)
	}

	switch cfg.KV.Driver {
	case "memory":
	case "redis":
		if cfg.KV.Addr == "" {
			add("kv.addr: required for the redis driver")
		}
	default:
		add("kv.driver: %q is not memory or redis", cfg.KV.Driver)
	}
	switch cfg.Queue.Driver {
	case "memory":
	case "kafka":
		if len(cfg.Queue.Brokers) == 0 {
			add("queue.brokers: required for the kafka driver")
		}
		if cfg.Queue.ImmediateTopic == cfg.Queue.DeferredTopic {
			add("queue: immediate and deferred topics must differ")
		}
	default:
		add("queue.driver: %q is not memory or kafka", cfg.Queue.Driver)
	}

	s := cfg.Scorer
	if s.ThresholdNow <= s.ThresholdLater {
		add("scorer: threshold_now (%.2f) must be above threshold_later (%.2f)", s.ThresholdNow, s.ThresholdLater)
	}
	if s.ThresholdNow > 1 || s.ThresholdLater < 0 {
		add("scorer: thresholds must lie in [0,1]")
	}
	if s.APIKey == "" && !s.Fallback() {
		add("scorer.api_key: empty and fallback_enabled is false, nothing can score events")
	}

	if cfg.Dedup.Threshold <= 0 || cfg.Dedup.Threshold > 1 {
		add("dedup.threshold: %.2f is outside (0,1]", cfg.Dedup.Threshold)
	}
	switch cfg.Dedup.CooldownAction {
	case "defer", "suppress":
	default:
		add("dedup.cooldown_action: %q is not defer or suppress", cfg.Dedup.CooldownAction)
	}
	if cfg.Caps.Hourly < 0 || cfg.Caps.Daily < 0 {
		add("caps: must not be negative")
	}
	if cfg.Caps.Daily < cfg.Caps.Hourly {
		add("caps: daily (%d) below hourly (%d)", cfg.Caps.Daily, cfg.Caps.Hourly)
	}
	if cfg.Engine.BatchWorkers < 1 {
		add("engine.batch_workers: must be at least 1")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
