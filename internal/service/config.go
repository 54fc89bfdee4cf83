package service

import (
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/spf13/viper"
)

const (
	DefaultReloadEach = 5 * time.Second
	DefaultConfigName = "sjqagent.yaml"
)

// Settings configure the agent process itself. They come from flags and
// SJQ_* environment variables, not from the agent configuration file.
type Settings struct {
	// Listen overrides the address the agent listens on, by default
	// agent.port of the configuration file on all interfaces.
	Listen     string        `mapstructure:"listen"`
	Config     string        `mapstructure:"config"`
	Verbose    bool          `mapstructure:"verbose"`
	ReloadEach time.Duration `mapstructure:"reload_each"`
	// ScriptHost is the binary evaluating JavaScript task scripts, by
	// default the running executable.
	ScriptHost string `mapstructure:"script_host"`
}

// ParseSettings reads the settings stored under key, an empty key means
// the root of the viper configuration.
func ParseSettings(key string) (Settings, error) {
	var s Settings
	var err error
	if key == "" {
		err = viper.Unmarshal(&s)
	} else {
		err = viper.UnmarshalKey(key, &s)
	}
	if err != nil {
		return s, err
	}
	if s.ReloadEach <= 0 {
		s.ReloadEach = DefaultReloadEach
	}
	if s.Config == "" {
		s.Config = DefaultConfigPath()
	}
	if s.ScriptHost == "" {
		if exe, err := os.Executable(); err == nil {
			s.ScriptHost = exe
		}
	}
	return s, nil
}

// Addr returns the listen address for an agent configured with port.
func (s Settings) Addr(port int) string {
	if s.Listen != "" {
		return s.Listen
	}
	return net.JoinHostPort("", strconv.Itoa(port))
}

// Builtin returns the command line evaluating JavaScript task scripts.
func (s Settings) Builtin() []string {
	if s.ScriptHost == "" {
		return nil
	}
	return []string{s.ScriptHost, "_script"}
}

// DefaultConfigPath is sjqagent.yaml in the user configuration directory,
// or in the working directory if there is none.
func DefaultConfigPath() string {
	d, err := os.UserConfigDir()
	if err != nil {
		return DefaultConfigName
	}
	return filepath.Join(d, "sjqagent", DefaultConfigName)
}
