package config

// Config is the on-disk configuration (JSON or YAML).
//
// Example (YAML):
//
//	logging:
//	  level: info
//	  console: true
//	messenger:
//	  max_attempts: 5
//	  punish_step: 50ms
//	  sweep_interval: 500ms
//	heartbeat:
//	  enabled: true
//	  schedule: "@every 30s"
type Config struct {
	Logging   LoggingConfig    `json:"logging"`
	Messenger MessengerConfig  `json:"messenger"`
	Heartbeat *HeartbeatConfig `json:"heartbeat,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// MessengerConfig tunes delivery and retry.
//
// All durations are Go duration strings (e.g. "50ms", "1s").
//
// Defaults (when fields are omitted/zero):
//   - max_attempts: 5
//   - punish_step: "50ms"
//   - sweep_interval: "500ms"
//   - failure_log_rate: 20 (warnings per second; -1 disables the cap)
type MessengerConfig struct {
	MaxAttempts    int    `json:"max_attempts,omitempty"`
	PunishStep     string `json:"punish_step,omitempty"`
	SweepInterval  string `json:"sweep_interval,omitempty"`
	FailureLogRate int    `json:"failure_log_rate,omitempty"`
}

// HeartbeatConfig controls the demo heartbeat producer.
//
// Schedule accepts cron ("*/5 * * * *", "@every 30s") or an interval
// ("30s", "00:05").
type HeartbeatConfig struct {
	Enabled  bool   `json:"enabled"`
	Schedule string `json:"schedule"`
}
