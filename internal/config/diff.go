package config

import "reflect"

// ConfigDiff describes what changed between two configs. Only the log level
// is applied at runtime; every other changed section is listed in
// RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// RestartRequired names the top-level sections that differ, in schema
	// order.
	RestartRequired []string
}

// Changed reports whether anything differs.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || len(d.RestartRequired) > 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	// The log level is compared above; mask it out of the server section.
	oldServer, newServer := old.Server, new.Server
	oldServer.LogLevel, newServer.LogLevel = "", ""

	sections := []struct {
		name     string
		old, new any
	}{
		{"server", oldServer, newServer},
		{"telemetry", old.Telemetry, new.Telemetry},
		{"reference", old.Reference, new.Reference},
		{"providers", old.Providers, new.Providers},
		{"segmentation", old.Segmentation, new.Segmentation},
		{"alignment", old.Alignment, new.Alignment},
		{"session", old.Session, new.Session},
		{"quota", old.Quota, new.Quota},
		{"pipeline", old.Pipeline, new.Pipeline},
		{"progress", old.Progress, new.Progress},
		{"mcp", old.MCP, new.MCP},
	}
	for _, s := range sections {
		if !reflect.DeepEqual(s.old, s.new) {
			d.RestartRequired = append(d.RestartRequired, s.name)
		}
	}
	return d
}
