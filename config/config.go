// Package config holds the configuration file structure for mvault.
//
// The config file is in "sconf" format, see https://pkg.go.dev/github.com/mjl-/sconf.
package config

import (
	"time"
)

// Defaults for policy parameters that are zero in the config file. The store
// data model alone does not pin these down, so operators can tune them.
const (
	DefaultOrphanRetention      = 24 * time.Hour
	DefaultMaintenanceStaleness = 1 * time.Hour
	DefaultMaintenanceInterval  = 4 * time.Hour
	DefaultSpoolExpiry          = 120 * time.Hour
)

// Static is the parsed form of the mvault.conf configuration file.
type Static struct {
	DataDir          string            `sconf-doc:"NOTE: This config file is in 'sconf' format. Indent with tabs. Comments must be on their own line, they don't end a line. Do not escape or quote strings. Details: https://pkg.go.dev/github.com/mjl-/sconf.\n\n\nDirectory where account databases, message blobs and the TLS state database are stored. If this is a relative path, it is relative to the directory of mvault.conf."`
	LogLevel         string            `sconf-doc:"Default log level, one of: error, info, debug."`
	PackageLogLevels map[string]string `sconf:"optional" sconf-doc:"Overrides of log level per package (e.g. store, tlsstatedb)."`

	OrphanRetention      time.Duration `sconf:"optional" sconf-doc:"How long a message record without references is kept before it and its blob are reclaimed. The window prevents racing an in-flight transaction that is about to reference the message again. Default: 24h."`
	MaintenanceStaleness time.Duration `sconf:"optional" sconf-doc:"A maintenance job does not start if another run started within this window. This is a soft lock between processes sharing the data directory, two processes can still race into the same window under abnormal clock conditions. Default: 1h."`
	MaintenanceInterval  time.Duration `sconf:"optional" sconf-doc:"Interval between automatic maintenance passes (orphan reaping, spool expiry). Default: 4h."`
	SpoolExpiry          time.Duration `sconf:"optional" sconf-doc:"How long a spooled message may await delivery before it is given up on, regardless of remaining destinations. Default: 120h."`
}

// OrphanRetentionOrDefault returns the configured orphan retention window,
// falling back to the default for the zero value.
func (s Static) OrphanRetentionOrDefault() time.Duration {
	if s.OrphanRetention > 0 {
		return s.OrphanRetention
	}
	return DefaultOrphanRetention
}

func (s Static) MaintenanceStalenessOrDefault() time.Duration {
	if s.MaintenanceStaleness > 0 {
		return s.MaintenanceStaleness
	}
	return DefaultMaintenanceStaleness
}

func (s Static) MaintenanceIntervalOrDefault() time.Duration {
	if s.MaintenanceInterval > 0 {
		return s.MaintenanceInterval
	}
	return DefaultMaintenanceInterval
}

func (s Static) SpoolExpiryOrDefault() time.Duration {
	if s.SpoolExpiry > 0 {
		return s.SpoolExpiry
	}
	return DefaultSpoolExpiry
}
