package daemon

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/adrg/xdg"
)

const (
	socketName = "control.sock"
	logName    = "log"
	configName = "config.toml"
)

// Config is the optional per-application config.toml inside the daemon
// directory. Zero values fall back to the defaults.
type Config struct {
	Socket   string `toml:"socket"`    // control socket path
	Log      string `toml:"log"`       // daemon log path
	LogLevel string `toml:"log_level"` // zerolog level name
}

// defaultDir is <home>/<app_name>.
func defaultDir(name string) string {
	return filepath.Join(xdg.Home, name)
}

func loadConfig(dir string) (Config, error) {
	var cfg Config
	path := filepath.Join(dir, configName)
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		if os.IsNotExist(err) {
			return Config{}, nil
		}
		return Config{}, fmt.Errorf("daemon: failed to load %s: %w", path, err)
	}
	return cfg, nil
}
