// Package config handles agent configuration.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// AgentConfig holds the agent configuration.
type AgentConfig struct {
	Agent       AgentSettings       `yaml:"agent"`
	Network     NetworkSettings     `yaml:"network"`
	Monitor     MonitorSettings     `yaml:"monitor"`
	Environment EnvironmentSettings `yaml:"environment"`
	Reporter    ReporterSettings    `yaml:"reporter"`
	Control     ControlSettings     `yaml:"control"`
	Logging     LoggingSettings     `yaml:"logging"`
}

// AgentSettings identifies the exam session.
type AgentSettings struct {
	StudentID string `yaml:"student_id"`
	SessionID string `yaml:"session_id"`
}

// NetworkSettings contains the network allow-list.
type NetworkSettings struct {
	WhitelistDomains []string         `yaml:"whitelist_domains"`
	AllowedApps      []string         `yaml:"allowed_apps"`
	RefreshInterval  time.Duration    `yaml:"refresh_interval"`
	Resolver         ResolverSettings `yaml:"resolver"`
}

// ResolverSettings selects how allow-listed domains are resolved.
type ResolverSettings struct {
	Mode    string        `yaml:"mode"` // "system" or "dns"
	Servers []string      `yaml:"servers"`
	Timeout time.Duration `yaml:"timeout"`
}

// StrictPath binds a trusted executable name to a required path fragment.
type StrictPath struct {
	Name string `yaml:"name"`
	Path string `yaml:"path"`
}

// MonitorSettings contains the process/window integrity tables.
type MonitorSettings struct {
	ProcessInterval     time.Duration `yaml:"process_interval"`
	EnvironmentInterval time.Duration `yaml:"environment_interval"`
	StrictPaths         []StrictPath  `yaml:"strict_paths"`
	TrustedNames        []string      `yaml:"trusted_names"`
	TrustedPartials     []string      `yaml:"trusted_partials"`
	SystemDirs          []string      `yaml:"system_dirs"`
	BannedTitles        []string      `yaml:"banned_titles"`
}

// EnvironmentSettings contains the environment scanner tables.
type EnvironmentSettings struct {
	VPNKeywords         []string `yaml:"vpn_keywords"`
	AllowVirtualMachine bool     `yaml:"allow_virtual_machine"`
}

// ReporterSettings configures delivery to the backend collector.
type ReporterSettings struct {
	Enabled       bool          `yaml:"enabled"`
	URL           string        `yaml:"url"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	Timeout       time.Duration `yaml:"timeout"`
}

// ControlSettings configures the local control API.
type ControlSettings struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// LoggingSettings contains logging configuration.
type LoggingSettings struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
	File   string `yaml:"file"`
}

// DefaultAgentConfig returns the default agent configuration.
func DefaultAgentConfig() *AgentConfig {
	return &AgentConfig{
		Network: NetworkSettings{
			WhitelistDomains: []string{
				"codeforces.com:443",
				"www.codeforces.com:443",
				"leetcode.com:443",
				"www.leetcode.com:443",
				"challenges.cloudflare.com:443",
				"www.google.com:443",
				"www.gstatic.com:443",
				"fonts.gstatic.com:443",
				"recaptcha.net:443",
				"www.recaptcha.net:443",
				"cdnjs.cloudflare.com:443",
				"fonts.googleapis.com:443",
				"assets.leetcode.com:443",
			},
			AllowedApps: []string{
				`C:\Program Files\Google\Chrome\Application\chrome.exe`,
				`C:\Program Files (x86)\Google\Chrome\Application\chrome.exe`,
				`C:\Program Files\Microsoft\Edge\Application\msedge.exe`,
				`C:\Program Files (x86)\Microsoft\Edge\Application\msedge.exe`,
				`C:\Program Files\Mozilla Firefox\firefox.exe`,
				`C:\Windows\System32\svchost.exe`,
				`C:\Windows\System32\lsass.exe`,
			},
			RefreshInterval: 60 * time.Second,
			Resolver: ResolverSettings{
				Mode:    "system",
				Timeout: 5 * time.Second,
			},
		},
		Monitor: MonitorSettings{
			ProcessInterval:     3 * time.Second,
			EnvironmentInterval: 500 * time.Millisecond,
			StrictPaths: []StrictPath{
				{Name: "chrome.exe", Path: `google\chrome`},
				{Name: "brave.exe", Path: "brave-browser"},
				{Name: "msedge.exe", Path: `microsoft\edge`},
				{Name: "firefox.exe", Path: "mozilla firefox"},
				{Name: "explorer.exe", Path: `windows\explorer.exe`},
				{Name: "notepad.exe", Path: `windows\system32`},
			},
			TrustedNames: []string{
				"secure system", "registry", "memory compression", "system",
				"monotificationux.exe",
				"textinputhost.exe",
				"lockapp.exe",
				"crossdeviceresume.exe",
				"shellexperiencehost.exe",
				"startmenuexperiencehost.exe",
				"searchhost.exe",
				"systemsettings.exe",
				"smartscreen.exe",
				"postgres.exe", "pg_ctl.exe", "wslservice.exe",
				"docker.exe", "dockerd.exe", "officeclicktorun.exe", "onedrive.exe",
				"uihost.exe",
			},
			TrustedPartials: []string{
				"intel", "dell", "nvidia", "amd", "realtek",
				"google", "microsoft", "windows", "adsk",
				"jhi_", "ipf", "rstmw", "igcc", "wudf",
				"fontdrv", "mpdefender", "msmpeng",
				"rust-analyzer", "onedrive",
			},
			SystemDirs: []string{
				`windows\system32`,
				`windows\syswow64`,
				`windows\systemapps`,
				`windows\immersivecontrolpanel`,
				`program files\windowsapps`,
				`microsoft\edgewebview`,
				`windows\uus`,
			},
			BannedTitles: []string{
				"cheat engine",
				"proton vpn",
				"speedhack",
				"wireshark",
				"chatgpt",
				"openai",
				"claude",
				"gemini",
				"discord",
				"whatsapp",
				"telegram",
				"stack overflow",
				"cursor",
			},
		},
		Environment: EnvironmentSettings{
			VPNKeywords: []string{
				"tap-windows", "vpn", "wireguard", "openvpn", "hamachi",
				"fortinet", "tun", "zerotier", "nordlynx", "proton", "windscribe",
			},
		},
		Reporter: ReporterSettings{
			Enabled:       true,
			URL:           "http://localhost:3000/api/logs",
			BatchSize:     50,
			FlushInterval: 10 * time.Second,
			Timeout:       10 * time.Second,
		},
		Control: ControlSettings{
			Enabled: true,
			Listen:  "127.0.0.1:7337",
		},
		Logging: LoggingSettings{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// LoadAgentConfig loads agent configuration from a YAML file. A missing file
// yields the built-in defaults.
func LoadAgentConfig(path string) (*AgentConfig, error) {
	cfg := DefaultAgentConfig()

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("reading config file: %w", err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	cfg.applyEnvOverrides()
	cfg.fillIdentity()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides to the config.
func (c *AgentConfig) applyEnvOverrides() {
	if id := os.Getenv("LOCKDOWN_STUDENT_ID"); id != "" {
		c.Agent.StudentID = id
	}
	if id := os.Getenv("LOCKDOWN_SESSION_ID"); id != "" {
		c.Agent.SessionID = id
	}
	if url := os.Getenv("LOCKDOWN_REPORTER_URL"); url != "" {
		c.Reporter.URL = url
	}
	if level := os.Getenv("LOCKDOWN_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if listen := os.Getenv("LOCKDOWN_CONTROL_LISTEN"); listen != "" {
		c.Control.Listen = listen
	}
}

// fillIdentity generates identifiers that were not configured.
func (c *AgentConfig) fillIdentity() {
	if c.Agent.StudentID == "" {
		hostname, _ := os.Hostname()
		c.Agent.StudentID = hostname
	}
	if c.Agent.SessionID == "" {
		c.Agent.SessionID = uuid.NewString()
	}
}

// Validate validates the configuration.
func (c *AgentConfig) Validate() error {
	for _, d := range c.Network.WhitelistDomains {
		if _, _, err := net.SplitHostPort(d); err != nil {
			return fmt.Errorf("network.whitelist_domains: %q must be host:port: %w", d, err)
		}
	}

	for _, p := range c.Network.AllowedApps {
		if !isAbsolutePath(p) {
			return fmt.Errorf("network.allowed_apps: %q must be an absolute path", p)
		}
	}

	if c.Network.RefreshInterval <= 0 {
		return fmt.Errorf("network.refresh_interval must be positive")
	}

	switch c.Network.Resolver.Mode {
	case "system":
	case "dns":
		if len(c.Network.Resolver.Servers) == 0 {
			return fmt.Errorf("network.resolver.servers is required when mode is dns")
		}
	default:
		return fmt.Errorf("network.resolver.mode must be system or dns, got %q", c.Network.Resolver.Mode)
	}

	if c.Monitor.ProcessInterval <= 0 || c.Monitor.EnvironmentInterval <= 0 {
		return fmt.Errorf("monitor intervals must be positive")
	}

	for _, sp := range c.Monitor.StrictPaths {
		if sp.Name == "" || sp.Path == "" {
			return fmt.Errorf("monitor.strict_paths entries need both name and path")
		}
	}

	if c.Reporter.Enabled {
		if c.Reporter.URL == "" {
			return fmt.Errorf("reporter.url is required when reporter is enabled")
		}
		if c.Reporter.BatchSize <= 0 {
			return fmt.Errorf("reporter.batch_size must be positive")
		}
		if c.Reporter.FlushInterval <= 0 {
			return fmt.Errorf("reporter.flush_interval must be positive")
		}
	}

	if c.Control.Enabled && c.Control.Listen == "" {
		return fmt.Errorf("control.listen is required when the control API is enabled")
	}

	if c.Logging.Output == "file" && c.Logging.File == "" {
		return fmt.Errorf("logging.file is required when output is file")
	}

	return nil
}

// isAbsolutePath accepts both host paths and Windows drive paths so the
// defaults validate on any build platform.
func isAbsolutePath(p string) bool {
	if filepath.IsAbs(p) {
		return true
	}
	return len(p) >= 3 && p[1] == ':' && (p[2] == '\\' || p[2] == '/') &&
		strings.ContainsRune("abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ", rune(p[0]))
}
