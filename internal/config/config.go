package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/streampush/internal/agent"
	"github.com/danmuck/streampush/internal/logging"
	"github.com/danmuck/streampush/internal/p2p"
	"github.com/danmuck/streampush/internal/protocol/envelope"
	"gopkg.in/yaml.v3"
)

var (
	ErrUnknownFormat = errors.New("config: unknown format")
	ErrUnknownKeys   = errors.New("config: unknown keys")
	ErrInvalid       = errors.New("config: invalid")
)

// DefaultListenAddr is where relay mode accepts streams when the file is silent.
const DefaultListenAddr = ":7000"

// Settings is everything pushctl reads from a config file.
type Settings struct {
	Agent  agent.Config
	Listen string
	Log    LogSettings
}

type LogSettings struct {
	Level     string
	Timestamp bool
	NoColor   bool
	JSON      bool
}

// Logging maps the [log] table onto the runtime logger profile.
func (l LogSettings) Logging() logging.Config {
	level, ok := logging.ParseLevel(l.Level)
	if !ok {
		level, _ = logging.ParseLevel("info")
	}
	return logging.Config{
		Level:     level,
		Timestamp: l.Timestamp,
		NoColor:   l.NoColor,
		Bypass:    l.JSON,
	}
}

func DefaultSettings() Settings {
	return Settings{
		Agent:  agent.DefaultConfig(),
		Listen: DefaultListenAddr,
		Log:    LogSettings{Level: "info", Timestamp: true},
	}
}

// keySet reports whether a dotted key path was present in the file.
// toml.MetaData satisfies it directly.
type keySet interface {
	IsDefined(key ...string) bool
}

// Load reads path as TOML or YAML (by extension) over DefaultSettings.
// Keys absent from the file keep their defaults. Role checks are left to
// Validate and ValidateRelay since one file may serve both commands.
func Load(path string) (Settings, error) {
	var (
		raw  fileConfig
		keys keySet
		err  error
	)
	switch format := FormatOf(path); format {
	case FormatTOML:
		keys, err = decodeTOML(path, &raw)
	case FormatYAML:
		keys, err = decodeYAML(path, &raw)
	default:
		err = fmt.Errorf("%w: %q", ErrUnknownFormat, format)
	}
	if err != nil {
		return Settings{}, err
	}

	settings, err := raw.apply(DefaultSettings(), keys)
	if err != nil {
		return Settings{}, fmt.Errorf("config %s: %w", path, err)
	}
	if err := validateCommon(settings); err != nil {
		return Settings{}, fmt.Errorf("config %s: %w", path, err)
	}
	return settings, nil
}

func decodeTOML(path string, raw *fileConfig) (keySet, error) {
	meta, err := toml.DecodeFile(path, raw)
	if err != nil {
		return nil, fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		names := make([]string, 0, len(undecoded))
		for _, key := range undecoded {
			names = append(names, key.String())
		}
		return nil, fmt.Errorf("%w: %s", ErrUnknownKeys, strings.Join(names, ", "))
	}
	return &meta, nil
}

func decodeYAML(path string, raw *fileConfig) (keySet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config load failed (%s): %w", path, err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(raw); err != nil && !errors.Is(err, io.EOF) {
		if strings.Contains(err.Error(), "not found in type") {
			return nil, fmt.Errorf("%w: %v", ErrUnknownKeys, err)
		}
		return nil, fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	return yamlKeys{root: &root}, nil
}

// yamlKeys walks mapping nodes the way toml.MetaData.IsDefined walks tables.
type yamlKeys struct {
	root *yaml.Node
}

func (k yamlKeys) IsDefined(key ...string) bool {
	node := k.root
	if node != nil && node.Kind == yaml.DocumentNode && len(node.Content) > 0 {
		node = node.Content[0]
	}
	for _, part := range key {
		if node == nil || node.Kind != yaml.MappingNode {
			return false
		}
		var next *yaml.Node
		for i := 0; i+1 < len(node.Content); i += 2 {
			if node.Content[i].Value == part {
				next = node.Content[i+1]
				break
			}
		}
		node = next
	}
	return node != nil
}

type Format string

const (
	FormatTOML Format = "toml"
	FormatYAML Format = "yaml"
)

// FormatOf picks the format from the file extension. Anything that is not
// .yaml or .yml is read as TOML.
func FormatOf(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML
	default:
		return FormatTOML
	}
}

// Validate checks an agent configuration.
func Validate(s Settings) error {
	if strings.TrimSpace(s.Agent.Relay) == "" {
		return fmt.Errorf("%w: relay is required", ErrInvalid)
	}
	if err := validateCommon(s); err != nil {
		return err
	}
	if err := s.Agent.Transport.ValidateClientTransport(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	return nil
}

// ValidateRelay checks a relay configuration.
func ValidateRelay(s Settings) error {
	if strings.TrimSpace(s.Listen) == "" {
		return fmt.Errorf("%w: listen is required", ErrInvalid)
	}
	if err := validateCommon(s); err != nil {
		return err
	}
	if err := s.Agent.Transport.ValidateServerTransport(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	return nil
}

func validateCommon(s Settings) error {
	cfg := s.Agent
	switch cfg.Policy {
	case agent.ConnectPolicyRetry, agent.ConnectPolicyRequired:
	default:
		return fmt.Errorf("%w: policy %q (want retry or required)", ErrInvalid, cfg.Policy)
	}
	if _, err := envelope.Lookup(cfg.Session.Codec); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	if cfg.Session.Backoff.Multiplier != 0 && cfg.Session.Backoff.Multiplier < 1 {
		return fmt.Errorf("%w: backoff.multiplier must be >= 1", ErrInvalid)
	}
	switch p2p.NormalizeSecurityMode(cfg.Transport.SecurityMode) {
	case p2p.SecurityModeDevelopment, p2p.SecurityModeProduction:
	default:
		return fmt.Errorf("%w: %w: %q", ErrInvalid, p2p.ErrInvalidSecurityMode, cfg.Transport.SecurityMode)
	}
	if _, ok := logging.ParseLevel(s.Log.Level); !ok {
		return fmt.Errorf("%w: log.level %q", ErrInvalid, s.Log.Level)
	}
	return nil
}

// parseDuration accepts Go duration strings plus "off", which maps to -1
// for fields where a negative value disables the feature.
func parseDuration(key, raw string) (time.Duration, error) {
	v := strings.TrimSpace(raw)
	switch strings.ToLower(v) {
	case "off", "disabled", "none":
		return -1, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return d, nil
}

func formatDuration(d time.Duration) string {
	if d < 0 {
		return "off"
	}
	return d.String()
}

func p2pMode(raw string) p2p.SecurityMode {
	return p2p.NormalizeSecurityMode(p2p.SecurityMode(raw))
}

func normalizeList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}
