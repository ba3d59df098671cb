package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/ini.v1"
)

// DefaultConfigDir is where ansible-chroot.ini is looked up when neither
// the caller nor ANSIBLE_CHROOT_CONFIG_DIR names another directory.
const DefaultConfigDir = "/etc/ansible-chroot"

// ConfigFileName is the basename of the configuration file.
const ConfigFileName = "ansible-chroot.ini"

// GlobalSection is the INI section read for every profile.
const GlobalSection = "Global Configuration"

// Config holds ansible-chroot configuration
type Config struct {
	Profile    string
	ConfigFile string // Path of the file that was loaded, empty if none

	Inventory string // Default inventory source (-i)
	LogsPath  string

	Shell        string   // Command run by --local when none is given
	ChrootBinary string   // Path of chroot(8)
	EnvBinary    string   // Path of env(1), used to sanitize the chroot environment
	ChrootEnv    []string // KEY=VALUE pairs passed to the chrooted command
	BindMounts   []string // Host filesystems bind-mounted under the target
	MountTable   string   // "command" (parse mount(8)) or "proc" (kernel mountinfo)
	Overlay      string   // Default overlay spec when neither flag nor host var sets one

	Silent bool

	// Database settings
	Database struct {
		Path          string // Default: /var/lib/ansible-chroot/runs.db
		RecordHistory bool   // Default: true
	}
}

// Default returns a configuration populated with built-in defaults only.
func Default() *Config {
	cfg := &Config{
		Profile:      "default",
		LogsPath:     "/var/log/ansible-chroot",
		Shell:        "/bin/bash",
		ChrootBinary: "/usr/sbin/chroot",
		EnvBinary:    "/usr/bin/env",
		ChrootEnv:    []string{"LANG=C.UTF-8", "HOME=/"},
		BindMounts:   []string{"/sys", "/proc", "/dev", "/dev/pts"},
		MountTable:   "command",
	}
	cfg.Database.Path = "/var/lib/ansible-chroot/runs.db"
	cfg.Database.RecordHistory = true
	return cfg
}

// LoadConfig loads configuration from file.
//
// configDir overrides the directory holding ansible-chroot.ini; when empty,
// ANSIBLE_CHROOT_CONFIG_DIR and then DefaultConfigDir are used. A missing
// file is not an error: defaults are returned with ConfigFile left empty.
func LoadConfig(configDir, profile string) (*Config, error) {
	cfg := Default()
	if profile != "" {
		cfg.Profile = profile
	}

	if configDir == "" {
		configDir = os.Getenv("ANSIBLE_CHROOT_CONFIG_DIR")
	}
	if configDir == "" {
		configDir = DefaultConfigDir
	}
	configFile := filepath.Join(configDir, ConfigFileName)

	if _, err := os.Stat(configFile); err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}

	iniFile, err := ini.Load(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config file: %w", err)
	}
	cfg.ConfigFile = configFile

	// Global section first, then the profile section overrides it
	if sec, err := iniFile.GetSection(GlobalSection); err == nil {
		if cfg.Profile == "default" && sec.HasKey("profile_selected") {
			if selected := sec.Key("profile_selected").String(); selected != "" {
				cfg.Profile = selected
			}
		}
		cfg.loadFromSection(sec)
	}
	if cfg.Profile != "" && cfg.Profile != "default" {
		sec, err := iniFile.GetSection(cfg.Profile)
		if err != nil {
			return nil, fmt.Errorf("profile %q not found in %s", cfg.Profile, configFile)
		}
		cfg.loadFromSection(sec)
	}

	return cfg, nil
}

// loadFromSection loads config values from an INI section
func (cfg *Config) loadFromSection(sec *ini.Section) {
	if sec == nil {
		return
	}

	if v := keyString(sec, "Inventory"); v != "" {
		cfg.Inventory = v
	}
	if v := keyString(sec, "Directory_logs"); v != "" {
		cfg.LogsPath = v
	}
	if v := keyString(sec, "Shell"); v != "" {
		cfg.Shell = v
	}
	if v := keyString(sec, "Chroot_binary"); v != "" {
		cfg.ChrootBinary = v
	}
	if v := keyString(sec, "Env_binary"); v != "" {
		cfg.EnvBinary = v
	}
	if sec.HasKey("Chroot_env") {
		cfg.ChrootEnv = splitList(sec.Key("Chroot_env").String())
	}
	if sec.HasKey("Bind_mounts") {
		cfg.BindMounts = splitList(sec.Key("Bind_mounts").String())
	}
	if v := keyString(sec, "Mount_table"); v != "" {
		cfg.MountTable = v
	}
	if sec.HasKey("Overlay") {
		cfg.Overlay = sec.Key("Overlay").String()
	}
	if sec.HasKey("Silent") {
		cfg.Silent = parseBool(sec.Key("Silent").String())
	}

	// Database settings
	if v := keyString(sec, "Database_path"); v != "" {
		cfg.Database.Path = v
	}
	if sec.HasKey("Record_history") {
		cfg.Database.RecordHistory = parseBool(sec.Key("Record_history").String())
	}
}

// Validate reports settings that cannot work at all.
func (cfg *Config) Validate() error {
	switch cfg.MountTable {
	case "command", "proc":
	default:
		return fmt.Errorf("invalid Mount_table %q (want command or proc)", cfg.MountTable)
	}
	for _, mp := range cfg.BindMounts {
		if !filepath.IsAbs(mp) {
			return fmt.Errorf("bind mount %q is not an absolute path", mp)
		}
	}
	return nil
}

func keyString(sec *ini.Section, name string) string {
	if !sec.HasKey(name) {
		return ""
	}
	return strings.TrimSpace(sec.Key(name).String())
}

func splitList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func parseBool(s string) bool {
	if b, err := strconv.ParseBool(s); err == nil {
		return b
	}
	switch strings.ToLower(s) {
	case "yes", "on":
		return true
	}
	return false
}
