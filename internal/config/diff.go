package config

import (
	"strings"

	logx "msgbus/pkg/logx"
)

// SummarizeChange returns the list of changed sections and structured fields
// describing their new values, for a one-line reload log.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 3)
	fields := make([]logx.Field, 0, 10)

	ol, nl := oldCfg.Logging, newCfg.Logging
	if !strings.EqualFold(strings.TrimSpace(ol.Level), strings.TrimSpace(nl.Level)) ||
		ol.Console != nl.Console ||
		ol.File.Enabled != nl.File.Enabled ||
		strings.TrimSpace(ol.File.Path) != strings.TrimSpace(nl.File.Path) {
		changed = append(changed, "logging")
		fields = append(fields,
			logx.String("logging.level", nl.Level),
			logx.Bool("logging.console", nl.Console),
			logx.Bool("logging.file_enabled", nl.File.Enabled),
		)
	}

	om, nm := oldCfg.Messenger, newCfg.Messenger
	if om.MaxAttempts != nm.MaxAttempts ||
		strings.TrimSpace(om.PunishStep) != strings.TrimSpace(nm.PunishStep) ||
		strings.TrimSpace(om.SweepInterval) != strings.TrimSpace(nm.SweepInterval) ||
		om.FailureLogRate != nm.FailureLogRate {
		changed = append(changed, "messenger")
		fields = append(fields,
			logx.Int("messenger.max_attempts", nm.MaxAttempts),
			logx.String("messenger.punish_step", nm.PunishStep),
			logx.String("messenger.sweep_interval", nm.SweepInterval),
			logx.Int("messenger.failure_log_rate", nm.FailureLogRate),
		)
	}

	var oh, nh HeartbeatConfig
	if oldCfg.Heartbeat != nil {
		oh = *oldCfg.Heartbeat
	}
	if newCfg.Heartbeat != nil {
		nh = *newCfg.Heartbeat
	}
	if oh.Enabled != nh.Enabled || strings.TrimSpace(oh.Schedule) != strings.TrimSpace(nh.Schedule) {
		changed = append(changed, "heartbeat")
		fields = append(fields,
			logx.Bool("heartbeat.enabled", nh.Enabled),
			logx.String("heartbeat.schedule", nh.Schedule),
		)
	}
	return changed, fields
}
