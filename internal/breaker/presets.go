// ABOUTME: Named circuit breaker presets consumed by callers and config.
// ABOUTME: default / fast-fail / resilient threshold and timeout profiles.

package breaker

import (
	"fmt"
	"time"
)

// DefaultConfig is a moderate profile: tolerate a short burst of
// failures, recover within a minute.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		RecoveryTimeout:  30 * time.Second,
		MonitoringPeriod: time.Minute,
	}
}

// FastFailConfig trips early and retries quickly. Suited to
// latency-sensitive paths where waiting on a dead dependency is worse
// than skipping it.
func FastFailConfig() Config {
	return Config{
		FailureThreshold: 2,
		SuccessThreshold: 1,
		RecoveryTimeout:  5 * time.Second,
		MonitoringPeriod: 30 * time.Second,
	}
}

// ResilientConfig tolerates sustained flakiness and backs off for a
// long time once tripped. Suited to best-effort background paths.
func ResilientConfig() Config {
	return Config{
		FailureThreshold: 10,
		SuccessThreshold: 3,
		RecoveryTimeout:  2 * time.Minute,
		MonitoringPeriod: 5 * time.Minute,
	}
}

// PresetConfig resolves a preset name from config.
func PresetConfig(name string) (Config, error) {
	switch name {
	case "", "default":
		return DefaultConfig(), nil
	case "fast-fail":
		return FastFailConfig(), nil
	case "resilient":
		return ResilientConfig(), nil
	default:
		return Config{}, fmt.Errorf("unknown breaker preset %q", name)
	}
}
