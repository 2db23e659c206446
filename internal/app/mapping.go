package app

import (
	"msgbus/internal/config"
	"msgbus/internal/heartbeat"
	"msgbus/internal/messenger"
	logx "msgbus/pkg/logx"
)

func mapLogConfig(c config.LoggingConfig) logx.Config {
	return logx.Config{
		Level:   c.Level,
		Console: c.Console,
		File: logx.FileConfig{
			Enabled: c.File.Enabled,
			Path:    c.File.Path,
		},
	}
}

func mapMessengerConfig(r config.Resolved) messenger.Config {
	return messenger.Config{
		MaxAttempts:    r.Messenger.MaxAttempts,
		PunishStep:     r.Messenger.PunishStep,
		SweepInterval:  r.Messenger.SweepInterval,
		FailureLogRate: r.Messenger.FailureLogRate,
	}
}

func mapHeartbeatConfig(r config.Resolved) heartbeat.Config {
	return heartbeat.Config{Enabled: r.Heartbeat.Enabled, Schedule: r.Heartbeat.Schedule}
}

// validate is the hot-reload gate: Resolve plus the checks that need other
// packages (cron syntax).
func validate(cfg *config.Config) error {
	r, err := config.Resolve(cfg)
	if err != nil {
		return err
	}
	if r.Heartbeat.Enabled {
		sp, err := heartbeat.ParseSpec(r.Heartbeat.Schedule)
		if err != nil {
			return err
		}
		if _, err := sp.Schedule(); err != nil {
			return err
		}
	}
	return nil
}
