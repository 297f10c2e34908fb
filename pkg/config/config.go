// Package config holds the settings of the shared-memory transport and the
// ways to load them: defaults, environment variables and a YAML file.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/srediag/tssx/internal/logging"
)

const (
	defaultPayloadSize   = 64 << 10
	maxPayloadSize       = 1 << 30
	defaultAttachTimeout = 5 * time.Second
	defaultAcceptWorkers = 64
	defaultNamespace     = "tssx"

	// Wildcard in Servers enrolls every same-host peer.
	Wildcard = "*"
)

// Environment variables read by FromEnv.
const (
	EnvPayloadSize   = "TSSX_PAYLOAD_SIZE"
	EnvSegmentDir    = "TSSX_SEGMENT_DIR"
	EnvServers       = "TSSX_SERVERS"
	EnvAttachTimeout = "TSSX_ATTACH_TIMEOUT"
	EnvAcceptWorkers = "TSSX_ACCEPT_WORKERS"
	EnvLogLevel      = logging.EnvLogLevel
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("config: invalid")

// Config is used to tune the shared-memory transport.
type Config struct {
	// PayloadSize is the capacity of one direction's slot. Writes larger
	// than this fail with EMSGSIZE.
	PayloadSize int `yaml:"payload_size"`
	// SegmentDir holds named segments. Empty means /dev/shm.
	SegmentDir string `yaml:"segment_dir"`
	// Servers lists the same-host addresses whose connections move to
	// shared memory: unix socket paths or host:port on loopback. "*"
	// enrolls all of them.
	Servers []string `yaml:"servers"`
	// AttachTimeout bounds the wait for a segment's creator.
	AttachTimeout time.Duration `yaml:"attach_timeout"`
	// AcceptWorkers sizes the worker pool of a Server.
	AcceptWorkers int `yaml:"accept_workers"`
	// LogLevel is a level name or number, see the logging package.
	LogLevel string `yaml:"log_level"`
	// MetricsNamespace prefixes every exported metric.
	MetricsNamespace string `yaml:"metrics_namespace"`
}

// DefaultConfig returns the default configuration: 64 KiB slots, segments in
// /dev/shm and no enrolled servers.
func DefaultConfig() *Config {
	return &Config{
		PayloadSize:      defaultPayloadSize,
		AttachTimeout:    defaultAttachTimeout,
		AcceptWorkers:    defaultAcceptWorkers,
		LogLevel:         "warn",
		MetricsNamespace: defaultNamespace,
	}
}

// VerifyConfig checks that config is usable.
func VerifyConfig(config *Config) error {
	if config == nil {
		return fmt.Errorf("%w: nil config", ErrInvalid)
	}
	if config.PayloadSize <= 0 || config.PayloadSize > maxPayloadSize {
		return fmt.Errorf("%w: payload_size %d must be in (0, %d]", ErrInvalid, config.PayloadSize, maxPayloadSize)
	}
	if config.AttachTimeout <= 0 {
		return fmt.Errorf("%w: attach_timeout must be positive", ErrInvalid)
	}
	if config.AcceptWorkers <= 0 {
		return fmt.Errorf("%w: accept_workers must be positive", ErrInvalid)
	}
	if config.SegmentDir != "" && !filepath.IsAbs(config.SegmentDir) {
		return fmt.Errorf("%w: segment_dir %q must be absolute", ErrInvalid, config.SegmentDir)
	}
	if config.LogLevel != "" {
		if _, err := logging.ParseLevel(config.LogLevel); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalid, err)
		}
	}
	for _, s := range config.Servers {
		if strings.TrimSpace(s) == "" {
			return fmt.Errorf("%w: empty server entry", ErrInvalid)
		}
	}
	return nil
}

// Clone returns a deep copy.
func (c *Config) Clone() *Config {
	out := *c
	out.Servers = append([]string(nil), c.Servers...)
	return &out
}

// ApplyLogLevel sets the process-wide log level from LogLevel.
func (c *Config) ApplyLogLevel() error {
	if c.LogLevel == "" {
		return nil
	}
	l, err := logging.ParseLevel(c.LogLevel)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	logging.SetLogLevel(l)
	return nil
}

// FromEnv returns a copy of base (DefaultConfig when nil) with the TSSX_*
// environment variables applied, then verifies it.
func FromEnv(base *Config) (*Config, error) {
	if base == nil {
		base = DefaultConfig()
	}
	c := base.Clone()

	if v, ok := lookup(EnvPayloadSize); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("%w: %s=%q: %v", ErrInvalid, EnvPayloadSize, v, err)
		}
		c.PayloadSize = n
	}
	if v, ok := lookup(EnvSegmentDir); ok {
		c.SegmentDir = v
	}
	if v, ok := lookup(EnvServers); ok {
		c.Servers = splitList(v)
	}
	if v, ok := lookup(EnvAttachTimeout); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("%w: %s=%q: %v", ErrInvalid, EnvAttachTimeout, v, err)
		}
		c.AttachTimeout = d
	}
	if v, ok := lookup(EnvAcceptWorkers); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("%w: %s=%q: %v", ErrInvalid, EnvAcceptWorkers, v, err)
		}
		c.AcceptWorkers = n
	}
	if v, ok := lookup(EnvLogLevel); ok {
		c.LogLevel = v
	}
	if err := VerifyConfig(c); err != nil {
		return nil, err
	}
	return c, nil
}

func lookup(name string) (string, bool) {
	v, ok := os.LookupEnv(name)
	v = strings.TrimSpace(v)
	return v, ok && v != ""
}

func splitList(v string) []string {
	var out []string
	for _, f := range strings.FieldsFunc(v, func(r rune) bool { return r == ',' || r == ' ' }) {
		out = append(out, f)
	}
	return out
}

// envVarPattern matches ${VAR} and ${VAR:-default}.
var envVarPattern = regexp.MustCompile(`\$\{([a-zA-Z_][a-zA-Z0-9_]*)(:-([^}]*))?\}`)

func interpolateEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := envVarPattern.FindStringSubmatch(match)
		if v := os.Getenv(parts[1]); v != "" {
			return v
		}
		return parts[3]
	})
}

// LoadFile reads a YAML file over DefaultConfig. ${VAR} and ${VAR:-default}
// placeholders are expanded before parsing. The result is verified.
func LoadFile(path string) (*Config, error) {
	ext := strings.ToLower(filepath.Ext(path))
	if ext != ".yaml" && ext != ".yml" {
		return nil, fmt.Errorf("%w: %s: want a .yaml or .yml file", ErrInvalid, path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	c := DefaultConfig()
	if err := yaml.Unmarshal([]byte(interpolateEnvVars(string(data))), c); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalid, path, err)
	}
	if err := VerifyConfig(c); err != nil {
		return nil, err
	}
	return c, nil
}
