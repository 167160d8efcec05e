package mvault

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "mvault.conf")
	conf := `DataDir: data
LogLevel: debug
PackageLogLevels:
	store: info
OrphanRetention: 48h
`
	if err := os.WriteFile(p, []byte(conf), 0660); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	ConfigStaticPath = p
	if err := LoadConfig(); err != nil {
		t.Fatalf("loading config: %v", err)
	}
	if Conf.Static.DataDir != "data" || Conf.Static.OrphanRetention != 48*time.Hour {
		t.Fatalf("unexpected config: %#v", Conf.Static)
	}
	// Relative DataDir resolves against the config file's directory.
	if got, want := DataDirPath("accounts"), filepath.Join(dir, "data", "accounts"); got != want {
		t.Fatalf("datadir path %q, expected %q", got, want)
	}
	// Optional knobs fall back to their defaults.
	if Conf.Static.SpoolExpiryOrDefault() != 120*time.Hour {
		t.Fatalf("unexpected spool expiry default")
	}

	// Unknown log levels are rejected.
	bad := `DataDir: data
LogLevel: chatty
`
	if err := os.WriteFile(p, []byte(bad), 0660); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	if err := LoadConfig(); err == nil {
		t.Fatalf("config with unknown log level did not fail")
	}
}
