// Package mvault holds the global configuration and process-wide state shared
// by the store engine and its satellite databases.
package mvault

import (
	"fmt"
	"os"

	"github.com/mjl-/sconf"

	"github.com/mvault/mvault/config"
	"github.com/mvault/mvault/mlog"
)

var xlog = mlog.New("mvault")

// ConfigStaticPath is set early in program startup. Relative paths in the
// configuration, such as DataDir, are resolved against its directory.
var ConfigStaticPath string

// Config is the currently active configuration.
type Config struct {
	Static config.Static
}

var Conf = Config{}

// LoadConfig parses the configuration file at ConfigStaticPath and applies the
// configured log levels.
func LoadConfig() error {
	f, err := os.Open(ConfigStaticPath)
	if err != nil {
		return fmt.Errorf("open config file: %w", err)
	}
	defer f.Close()

	var static config.Static
	if err := sconf.Parse(f, &static); err != nil {
		return fmt.Errorf("parsing %s: %w", ConfigStaticPath, err)
	}

	logLevels := map[string]mlog.Level{}
	level, ok := mlog.Levels[static.LogLevel]
	if !ok {
		return fmt.Errorf("unknown log level %q", static.LogLevel)
	}
	logLevels[""] = level
	for pkg, s := range static.PackageLogLevels {
		level, ok := mlog.Levels[s]
		if !ok {
			return fmt.Errorf("unknown log level %q for package %q", s, pkg)
		}
		logLevels[pkg] = level
	}
	mlog.SetConfig(logLevels)

	Conf.Static = static
	return nil
}

// MustLoadConfig loads the config file, exiting the process on failure.
func MustLoadConfig() {
	if err := LoadConfig(); err != nil {
		xlog.Fatalx("loading config file", err, mlog.Field("path", ConfigStaticPath))
	}
}
