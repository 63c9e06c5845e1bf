// Package config provides configuration parsing and validation for kvmux.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"

	"github.com/postalsys/kvmux/internal/edge"
	"github.com/postalsys/kvmux/internal/transport"
)

// MasterName is the reserved node name for the controller itself.
const MasterName = "master"

// DefaultDisplay is the DISPLAY sent to a remote that configures none.
const DefaultDisplay = ":0"

// Config represents the complete controller configuration.
type Config struct {
	LogLevel       string            `yaml:"log_level"`
	LogFormat      string            `yaml:"log_format"`
	Transport      TransportConfig   `yaml:"transport"`
	Master         MasterConfig      `yaml:"master"`
	Remotes        []RemoteConfig    `yaml:"remotes"`
	Hotkeys        []HotkeyConfig    `yaml:"hotkeys"`
	MouseSwitch    MouseSwitchConfig `yaml:"mouse_switch"`
	FocusHint      FocusHintConfig   `yaml:"focus_hint"`
	ShowNullSwitch string            `yaml:"show_nullswitch"`
	Channel        ChannelConfig     `yaml:"channel"`
	Health         HealthConfig      `yaml:"health"`
	Control        ControlConfig     `yaml:"control"`
}

// TransportConfig holds remote shell settings. At the top level these are
// the defaults; per remote they are overrides.
type TransportConfig struct {
	Shell         string `yaml:"shell,omitempty"`
	Port          int    `yaml:"port,omitempty"`
	BindAddress   string `yaml:"bind_address,omitempty"`
	IdentityFile  string `yaml:"identity_file,omitempty"`
	Username      string `yaml:"username,omitempty"`
	RemoteCommand string `yaml:"remote_command,omitempty"`
}

// Settings converts to transport settings.
func (t TransportConfig) Settings() transport.Settings {
	return transport.Settings{
		Shell:         t.Shell,
		Port:          t.Port,
		BindAddress:   t.BindAddress,
		IdentityFile:  t.IdentityFile,
		Username:      t.Username,
		RemoteCommand: t.RemoteCommand,
	}
}

// NeighborsConfig names the node reached in each direction. Empty means
// no neighbor; "master" means the controller.
type NeighborsConfig struct {
	Left  string `yaml:"left,omitempty"`
	Right string `yaml:"right,omitempty"`
	Up    string `yaml:"up,omitempty"`
	Down  string `yaml:"down,omitempty"`
}

// Names returns the neighbor names indexed by edge.Direction.
func (n NeighborsConfig) Names() [edge.NumDirections]string {
	return [edge.NumDirections]string{
		edge.Left:  n.Left,
		edge.Right: n.Right,
		edge.Up:    n.Up,
		edge.Down:  n.Down,
	}
}

// MasterConfig describes the controller node.
type MasterConfig struct {
	Neighbors NeighborsConfig `yaml:"neighbors"`
}

// RemoteConfig describes one remote node.
type RemoteConfig struct {
	Alias     string            `yaml:"alias,omitempty"`
	Hostname  string            `yaml:"hostname"`
	Transport TransportConfig   `yaml:"transport,omitempty"`
	Display   string            `yaml:"display,omitempty"`
	Params    map[string]string `yaml:"params,omitempty"`
	Neighbors NeighborsConfig   `yaml:"neighbors"`
}

// Name returns the alias, or the hostname if no alias is set.
func (r RemoteConfig) Name() string {
	if r.Alias != "" {
		return r.Alias
	}
	return r.Hostname
}

// SetupParams returns the key/value parameters sent in the setup message.
func (r RemoteConfig) SetupParams() map[string]string {
	params := make(map[string]string, len(r.Params)+1)
	for k, v := range r.Params {
		params[k] = v
	}
	if _, ok := params["DISPLAY"]; !ok {
		params["DISPLAY"] = r.Display
		if r.Display == "" {
			params["DISPLAY"] = DefaultDisplay
		}
	}
	return params
}

// HotkeyConfig binds a key chord to an action.
type HotkeyConfig struct {
	Key    string `yaml:"key"`
	Action string `yaml:"action"`
}

// Mouse switch modes.
const (
	MouseSwitchNone     = "none"
	MouseSwitchMultiTap = "multitap"
)

// MouseSwitchConfig controls switching focus by tapping a screen edge.
type MouseSwitchConfig struct {
	Mode   string        `yaml:"mode"`
	Taps   int           `yaml:"taps"`
	Window time.Duration `yaml:"window"`
}

// Policy returns the multi-tap policy; disabled unless mode is multitap.
func (m MouseSwitchConfig) Policy() edge.MultiTap {
	if m.Mode != MouseSwitchMultiTap {
		return edge.MultiTap{}
	}
	return edge.MultiTap{Taps: m.Taps, Window: m.Window}
}

// Focus hint modes.
const (
	FocusHintNone        = "none"
	FocusHintDimInactive = "dim-inactive"
	FocusHintFlashActive = "flash-active"
)

// FocusHintConfig controls the brightness cue shown on a focus switch.
type FocusHintConfig struct {
	Mode       string        `yaml:"mode"`
	Brightness float64       `yaml:"brightness"`
	Duration   time.Duration `yaml:"duration"`
	FadeSteps  int           `yaml:"fade_steps"`
}

// Null switch notification modes.
const (
	NullSwitchNo         = "no"
	NullSwitchYes        = "yes"
	NullSwitchHotkeyOnly = "hotkey-only"
)

// ChannelConfig bounds each remote's outbound message queue.
type ChannelConfig struct {
	SendBacklog       ByteSize `yaml:"send_backlog"`
	MaxQueuedMessages int      `yaml:"max_queued_messages"`
}

// ByteSize is a byte count written in YAML as a human-readable size such
// as "4MiB" or a plain integer.
type ByteSize uint64

// UnmarshalYAML implements yaml.Unmarshaler.
func (b *ByteSize) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return fmt.Errorf("invalid size %q: %w", s, err)
	}
	*b = ByteSize(n)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (b ByteSize) MarshalYAML() (interface{}, error) {
	return b.String(), nil
}

func (b ByteSize) String() string {
	return humanize.IBytes(uint64(b))
}

// HealthConfig defines health check server settings.
type HealthConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Address      string        `yaml:"address"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// ControlConfig defines control socket settings.
type ControlConfig struct {
	Enabled    bool   `yaml:"enabled"`
	SocketPath string `yaml:"socket_path"`
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		LogLevel:  "info",
		LogFormat: "text",
		Transport: TransportConfig{
			Shell: transport.DefaultShell,
		},
		Remotes: []RemoteConfig{},
		Hotkeys: []HotkeyConfig{},
		MouseSwitch: MouseSwitchConfig{
			Mode:   MouseSwitchNone,
			Taps:   2,
			Window: 300 * time.Millisecond,
		},
		FocusHint: FocusHintConfig{
			Mode:       FocusHintNone,
			Brightness: 0.6,
			Duration:   200 * time.Millisecond,
			FadeSteps:  10,
		},
		ShowNullSwitch: NullSwitchNo,
		Channel: ChannelConfig{
			SendBacklog:       4 << 20,
			MaxQueuedMessages: 4096,
		},
		Health: HealthConfig{
			Enabled:      false,
			Address:      "127.0.0.1:9310",
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
		Control: ControlConfig{
			Enabled:    false,
			SocketPath: defaultControlSocket(),
		},
	}
}

func defaultControlSocket() string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return dir + "/kvmux.sock"
	}
	return fmt.Sprintf("/tmp/kvmux-%d.sock", os.Getuid())
}

// Load reads and parses a configuration file without ownership checks.
// Use LoadFile for user-supplied paths.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Parse parses configuration from YAML bytes.
func Parse(data []byte) (*Config, error) {
	// Expand environment variables
	expanded := expandEnvVars(string(data))

	// Start with defaults
	cfg := Default()

	// Parse YAML
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	// Validate
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// envVarRegex matches ${VAR} or $VAR patterns
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// expandEnvVars replaces environment variable references with their values.
func expandEnvVars(s string) string {
	return envVarRegex.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name
		var name string
		if strings.HasPrefix(match, "${") {
			name = match[2 : len(match)-1]
		} else {
			name = match[1:]
		}

		// Handle default values: ${VAR:-default}
		if idx := strings.Index(name, ":-"); idx != -1 {
			varName := name[:idx]
			defaultVal := name[idx+2:]
			if val, ok := os.LookupEnv(varName); ok {
				return val
			}
			return defaultVal
		}

		// Simple lookup
		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		return match // Keep original if not found
	})
}

// Validate checks the configuration for errors. Node names are checked
// later by Resolve.
func (c *Config) Validate() error {
	var errs []string

	if !isValidLogLevel(c.LogLevel) {
		errs = append(errs, fmt.Sprintf("invalid log_level: %s (must be debug, info, warn, or error)", c.LogLevel))
	}
	if !isValidLogFormat(c.LogFormat) {
		errs = append(errs, fmt.Sprintf("invalid log_format: %s (must be text or json)", c.LogFormat))
	}

	if err := validateTransport(c.Transport); err != nil {
		errs = append(errs, fmt.Sprintf("transport: %v", err))
	}

	// Validate remotes
	names := make(map[string]int)
	for i, r := range c.Remotes {
		if err := validateRemote(r); err != nil {
			errs = append(errs, fmt.Sprintf("remotes[%d]: %v", i, err))
			continue
		}
		if j, dup := names[r.Name()]; dup {
			errs = append(errs, fmt.Sprintf("remotes[%d]: duplicate name %q (also remotes[%d])", i, r.Name(), j))
		}
		names[r.Name()] = i
	}

	// Validate hotkeys
	for i, h := range c.Hotkeys {
		if strings.TrimSpace(h.Key) == "" {
			errs = append(errs, fmt.Sprintf("hotkeys[%d]: key is required", i))
		}
		if _, err := ParseAction(h.Action); err != nil {
			errs = append(errs, fmt.Sprintf("hotkeys[%d]: %v", i, err))
		}
	}

	switch c.MouseSwitch.Mode {
	case MouseSwitchNone:
	case MouseSwitchMultiTap:
		if c.MouseSwitch.Taps < 1 || c.MouseSwitch.Taps > edge.MaxTaps {
			errs = append(errs, fmt.Sprintf("mouse_switch.taps must be between 1 and %d", edge.MaxTaps))
		}
		if c.MouseSwitch.Window <= 0 {
			errs = append(errs, "mouse_switch.window must be positive")
		}
	default:
		errs = append(errs, fmt.Sprintf("invalid mouse_switch.mode: %s (must be none or multitap)", c.MouseSwitch.Mode))
	}

	switch c.FocusHint.Mode {
	case FocusHintNone:
	case FocusHintDimInactive, FocusHintFlashActive:
		if c.FocusHint.Brightness < 0 || c.FocusHint.Brightness > 1 {
			errs = append(errs, "focus_hint.brightness must be between 0 and 1")
		}
		if c.FocusHint.Duration < 0 {
			errs = append(errs, "focus_hint.duration must not be negative")
		}
		if c.FocusHint.FadeSteps < 1 {
			errs = append(errs, "focus_hint.fade_steps must be at least 1")
		}
	default:
		errs = append(errs, fmt.Sprintf("invalid focus_hint.mode: %s (must be none, dim-inactive, or flash-active)", c.FocusHint.Mode))
	}

	switch c.ShowNullSwitch {
	case NullSwitchNo, NullSwitchYes, NullSwitchHotkeyOnly:
	default:
		errs = append(errs, fmt.Sprintf("invalid show_nullswitch: %s (must be no, yes, or hotkey-only)", c.ShowNullSwitch))
	}

	if c.Channel.SendBacklog < 1024 {
		errs = append(errs, "channel.send_backlog must be at least 1KiB")
	}
	if c.Channel.MaxQueuedMessages < 1 {
		errs = append(errs, "channel.max_queued_messages must be positive")
	}

	if c.Health.Enabled && c.Health.Address == "" {
		errs = append(errs, "health.address is required when enabled")
	}
	if c.Control.Enabled && c.Control.SocketPath == "" {
		errs = append(errs, "control.socket_path is required when enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return nil
}

func isValidLogLevel(level string) bool {
	switch level {
	case "debug", "info", "warn", "error":
		return true
	default:
		return false
	}
}

func isValidLogFormat(format string) bool {
	switch format {
	case "text", "json":
		return true
	default:
		return false
	}
}

func validateTransport(t TransportConfig) error {
	if t.Port < 0 || t.Port > 65535 {
		return fmt.Errorf("invalid port %d", t.Port)
	}
	return nil
}

func validateRemote(r RemoteConfig) error {
	if r.Hostname == "" {
		return fmt.Errorf("hostname is required")
	}
	if r.Name() == MasterName {
		return fmt.Errorf("%q is reserved for the controller", MasterName)
	}
	if err := validateTransport(r.Transport); err != nil {
		return err
	}
	for k, v := range r.Params {
		if k == "" || strings.IndexByte(k, 0) >= 0 || strings.IndexByte(v, 0) >= 0 {
			return fmt.Errorf("invalid param %q", k)
		}
	}
	return nil
}

// String returns the configuration as YAML.
func (c *Config) String() string {
	data, _ := yaml.Marshal(c)
	return string(data)
}
