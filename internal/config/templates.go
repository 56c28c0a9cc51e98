package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

const templateHeader = "stream-push agent configuration. Keys left out keep their defaults."

// TemplateSettings is DefaultSettings with a placeholder relay, the
// starting point written by init-config.
func TemplateSettings() Settings {
	s := DefaultSettings()
	s.Agent.Relay = "127.0.0.1:7000"
	s.Agent.Room = "default"
	s.Agent.AdminAddr = "127.0.0.1:9300"
	s.Agent.CorsOrigins = []string{"http://localhost:3000"}
	s.Agent = s.Agent.WithDefaults()
	return s
}

// Render encodes s in the given format.
func Render(s Settings, format Format) ([]byte, error) {
	raw := fileFromSettings(s)
	switch format {
	case FormatTOML:
		body, err := toml.Marshal(raw)
		if err != nil {
			return nil, fmt.Errorf("render toml: %w", err)
		}
		return append([]byte("# "+templateHeader+"\n\n"), body...), nil
	case FormatYAML:
		body, err := yaml.Marshal(raw)
		if err != nil {
			return nil, fmt.Errorf("render yaml: %w", err)
		}
		return append([]byte("# "+templateHeader+"\n"), body...), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, format)
	}
}

func Template(format string) (string, error) {
	f := Format(strings.ToLower(strings.TrimSpace(format)))
	if f == "yml" {
		f = FormatYAML
	}
	out, err := Render(TemplateSettings(), f)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// WriteTemplate writes a starter config to path. The format follows the
// file extension.
func WriteTemplate(path string, overwrite bool) error {
	template, err := Template(string(FormatOf(path)))
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}
