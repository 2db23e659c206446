// Package config loads the msgbus configuration file (JSON or YAML), validates
// it and publishes hot reloads driven by fsnotify.
package config
