package config

import (
	"fmt"
	"strings"
	"time"
)

// Messenger holds validated messenger settings. Zero fields mean "use the
// messenger default".
type Messenger struct {
	MaxAttempts    int
	PunishStep     time.Duration
	SweepInterval  time.Duration
	FailureLogRate int
}

// Heartbeat holds validated heartbeat settings.
type Heartbeat struct {
	Enabled  bool
	Schedule string
}

// Resolved is the typed view of a Config used by the app layer.
type Resolved struct {
	Logging   LoggingConfig
	Messenger Messenger
	Heartbeat Heartbeat
}

// Resolve validates cfg and converts duration strings.
func Resolve(cfg *Config) (Resolved, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	var r Resolved
	r.Logging = cfg.Logging

	mc := cfg.Messenger
	if mc.MaxAttempts < 0 {
		return Resolved{}, fmt.Errorf("messenger.max_attempts: must be >= 0")
	}
	step, err := ParseDurationField("messenger.punish_step", mc.PunishStep)
	if err != nil {
		return Resolved{}, err
	}
	interval, err := ParseDurationField("messenger.sweep_interval", mc.SweepInterval)
	if err != nil {
		return Resolved{}, err
	}
	r.Messenger = Messenger{
		MaxAttempts:    mc.MaxAttempts,
		PunishStep:     step,
		SweepInterval:  interval,
		FailureLogRate: mc.FailureLogRate,
	}

	if hb := cfg.Heartbeat; hb != nil {
		r.Heartbeat = Heartbeat{Enabled: hb.Enabled, Schedule: strings.TrimSpace(hb.Schedule)}
		if r.Heartbeat.Enabled && r.Heartbeat.Schedule == "" {
			return Resolved{}, fmt.Errorf("heartbeat.schedule: required when enabled")
		}
	}
	return r, nil
}
