package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"

	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// EnvConfigPath names the environment variable that overrides discovery.
const EnvConfigPath = "TIME_MACHINE_CONFIG"

// Load reads, verifies and validates a configuration file. A directory is
// accepted when it contains config.yaml.
func Load(configPath string) (*Config, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return nil, fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}
	if info.IsDir() {
		absPath = filepath.Join(absPath, "config.yaml")
		if _, err := os.Stat(absPath); err != nil {
			return nil, fmt.Errorf("directory provided but config.yaml not found: %s", absPath)
		}
	}

	if err := verifyConfigHash(absPath); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", absPath, err)
	}
	cfg.Path = absPath

	// A relative destination is relative to the config file, not the cwd.
	if !filepath.IsAbs(cfg.Destination.Path) {
		cfg.Destination.Path = filepath.Join(filepath.Dir(absPath), cfg.Destination.Path)
	}
	cfg.Destination.Path = filepath.Clean(cfg.Destination.Path)

	return cfg, nil
}

// Parse decodes YAML on top of Defaults and validates the result. Unknown
// keys are rejected.
func Parse(data []byte) (*Config, error) {
	interpolated := interpolateEnv(string(data))

	cfg := Defaults()
	dec := yaml.NewDecoder(bytes.NewReader([]byte(interpolated)))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Discover finds the config file by checking standard locations.
// Priority order: $TIME_MACHINE_CONFIG, ~/.config/time-machine/config.yaml,
// /etc/time-machine/config.yaml, ./config.yaml.
func Discover() (string, error) {
	if path := os.Getenv(EnvConfigPath); path != "" {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
		return "", fmt.Errorf("$%s points to %q which does not exist", EnvConfigPath, path)
	}

	if homeDir, err := os.UserHomeDir(); err == nil {
		userConfig := filepath.Join(homeDir, ".config", "time-machine", "config.yaml")
		if _, err := os.Stat(userConfig); err == nil {
			return userConfig, nil
		}
	}

	systemConfig := "/etc/time-machine/config.yaml"
	if _, err := os.Stat(systemConfig); err == nil {
		return systemConfig, nil
	}

	if _, err := os.Stat("./config.yaml"); err == nil {
		return "./config.yaml", nil
	}

	return "", fmt.Errorf("no config found (checked: $%s, ~/.config/time-machine/config.yaml, /etc/time-machine/config.yaml, ./config.yaml)", EnvConfigPath)
}

// interpolateEnv replaces ${VAR} with environment variable values.
// Undefined variables are left as-is and rejected by validation.
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match
	})
}

// Sources returns the rsync source arguments in configured order.
func (c *Config) Sources() []string {
	out := make([]string, 0, len(c.Source.Paths))
	for _, p := range c.Source.Paths {
		switch {
		case c.Source.Host == "":
			out = append(out, p)
		case c.Source.User == "":
			out = append(out, c.Source.Host+":"+p)
		default:
			out = append(out, c.Source.User+"@"+c.Source.Host+":"+p)
		}
	}
	return out
}

// StatePath returns the run journal database path.
func (c *Config) StatePath() string {
	if c.State.Path == "" {
		return filepath.Join(c.Destination.Path, ".time-machine.db")
	}
	return c.resolve(c.State.Path)
}

// LogPath returns the log file path, or "" when file logging is off.
func (c *Config) LogPath() string {
	if c.Log.File == "" {
		return ""
	}
	return c.resolve(c.Log.File)
}

func (c *Config) resolve(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.Destination.Path, p)
}

// YAML renders the effective configuration with secrets masked.
func (c *Config) YAML() ([]byte, error) {
	shown := *c
	if shown.API.Token != "" {
		shown.API.Token = "********"
	}
	return yaml.Marshal(&shown)
}
