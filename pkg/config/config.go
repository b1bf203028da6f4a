package config

import (
	"fmt"
	"io"
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/overhook/overhook/pkg/keys"
)

const configFile string = "overhook.yml"

// Config defines all configuration options available to be set through the config file.
type Config struct {
	// Name and Version are shown in the overlay title.
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// Hotkeys, as key names (F9, A, 7, SPACE, ...).
	ToggleKey string `yaml:"toggle-key"`
	CloseKey  string `yaml:"close-key"`
	ReloadKey string `yaml:"reload-key"`

	// PluginFolder is the script directory, relative to the config file.
	PluginFolder  string `yaml:"plugin-folder"`
	ShowOnStartup bool   `yaml:"show-on-startup"`

	// OverlayColor is red, green, blue (0-255) and alpha (percent).
	OverlayColor    []int  `yaml:"overlay-color,flow"`
	OverlayPosition string `yaml:"overlay-position"`

	EnableLogging bool   `yaml:"enable-logging"`
	LogOutput     string `yaml:"log-output"`
	LogDest       string `yaml:"log-dest"`

	// ScriptEngine is "lua" or "starlark".
	ScriptEngine string `yaml:"script-engine"`

	AttachTimeout time.Duration `yaml:"attach-timeout"`
	RearmDelay    time.Duration `yaml:"rearm-delay"`
	PollInterval  time.Duration `yaml:"poll-interval"`
	ForcePoll     bool          `yaml:"force-poll"`
}

// Default returns the configuration used for options missing from the
// config file.
func Default() *Config {
	return &Config{
		Name:            "Overhook",
		Version:         "1.0",
		ToggleKey:       "F9",
		CloseKey:        "F10",
		ReloadKey:       "F8",
		PluginFolder:    "plugins",
		OverlayColor:    []int{0, 0, 0, 70},
		OverlayPosition: "top",
		ScriptEngine:    "lua",
		AttachTimeout:   5 * time.Second,
		RearmDelay:      time.Millisecond,
		PollInterval:    500 * time.Millisecond,
	}
}

// Key codes of the hotkeys.
func (c *Config) ToggleCode() int { return keys.Code(c.ToggleKey) }
func (c *Config) CloseCode() int  { return keys.Code(c.CloseKey) }
func (c *Config) ReloadCode() int { return keys.Code(c.ReloadKey) }

// Color returns OverlayColor padded with the default color.
func (c *Config) Color() [4]int {
	r := [4]int{0, 0, 0, 70}
	for i := 0; i < len(r) && i < len(c.OverlayColor); i++ {
		r[i] = c.OverlayColor[i]
	}
	return r
}

// PluginDir returns the script directory. A relative PluginFolder is
// resolved against the directory containing cfgPath.
func (c *Config) PluginDir(cfgPath string) string {
	if filepath.IsAbs(c.PluginFolder) {
		return c.PluginFolder
	}
	return filepath.Join(filepath.Dir(cfgPath), c.PluginFolder)
}

// Validate checks option values that can not be fixed by a default.
func (c *Config) Validate() error {
	switch strings.ToLower(c.ScriptEngine) {
	case "lua", "starlark":
	default:
		return fmt.Errorf("unknown script-engine %q", c.ScriptEngine)
	}
	switch strings.ToLower(c.OverlayPosition) {
	case "top", "bottom":
	default:
		return fmt.Errorf("overlay-position must be top or bottom, not %q", c.OverlayPosition)
	}
	if len(c.OverlayColor) > 4 {
		return fmt.Errorf("overlay-color has %d components, want at most 4", len(c.OverlayColor))
	}
	for _, name := range []string{c.ToggleKey, c.CloseKey, c.ReloadKey} {
		if keys.Code(name) == 0 {
			return fmt.Errorf("empty hotkey")
		}
	}
	if c.AttachTimeout < 0 || c.RearmDelay < 0 || c.PollInterval < 0 {
		return fmt.Errorf("negative duration")
	}
	return nil
}

// LoadConfig reads the config file at path. Options missing from the file
// keep their default. If the file does not exist a commented default file
// is created first.
func LoadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return Default(), err
		}
		f, err = createDefaultConfig(path)
		if err != nil {
			return Default(), fmt.Errorf("error creating default config file: %w", err)
		}
	}
	defer f.Close()

	data, err := ioutil.ReadAll(f)
	if err != nil {
		return Default(), fmt.Errorf("unable to read config data: %w", err)
	}

	c := Default()
	if err := yaml.Unmarshal(data, c); err != nil {
		return Default(), fmt.Errorf("unable to decode config file: %w", err)
	}
	return c, nil
}

// SaveConfig will marshal and save the config struct
// to disk.
func SaveConfig(conf *Config, path string) error {
	out, err := yaml.Marshal(*conf)
	if err != nil {
		return err
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = f.Write(out)
	return err
}

func createDefaultConfig(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, err
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("unable to create config file: %v", err)
	}
	err = writeDefaultConfig(f)
	if err == nil {
		_, err = f.Seek(0, io.SeekStart)
	}
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("unable to write default configuration: %v", err)
	}
	return f, nil
}

func writeDefaultConfig(w io.Writer) error {
	_, err := io.WriteString(w,
		`# Configuration file for overhook.

# This is the default configuration file. Available options are provided, but disabled.
# Delete the leading hash mark to enable an item.

# Title of the overlay.
# name: Overhook
# version: "1.0"

# Hotkeys. Function keys, letters, digits, SPACE, ENTER, ESCAPE, PLUS and MINUS.
# The toggle key shows the overlay, or selects the next script when it is shown.
# toggle-key: F9
# close-key: F10
# reload-key: F8

# Directory containing <name>.ini descriptors and their script bodies,
# relative to this file.
# plugin-folder: plugins

# Show the overlay as soon as the host draws its first frame.
# show-on-startup: false

# Overlay background as [red, green, blue, alpha%] and its position (top or bottom).
# overlay-color: [0, 0, 0, 70]
# overlay-position: top

# Uncomment to write logs. log-output is a comma separated list of
# components: breakpoints, scripts, frame, watch, loader.
# enable-logging: true
# log-output: scripts,loader
# log-dest: overhook.log

# Script language of the bodies: lua (.lua files) or starlark (.star files).
# script-engine: lua

# Maximum wait for the first frame before scripts are executed.
# attach-timeout: 5s

# Delay before a breakpoint is armed again after it was hit.
# rearm-delay: 1ms

# Scan interval of the script directory when file notifications are not
# available. Set force-poll to always scan.
# poll-interval: 500ms
# force-poll: false
`)
	return err
}

// GetConfigFilePath returns the path of the config file next to the
// executable of the current process.
func GetConfigFilePath() (string, error) {
	exe, err := os.Executable()
	if err != nil {
		return "", err
	}
	return filepath.Join(filepath.Dir(exe), configFile), nil
}
