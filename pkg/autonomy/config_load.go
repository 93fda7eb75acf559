package autonomy

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// LoadConfig reads a YAML config file, expanding ${VAR} / $VAR references
// against the process environment before parsing, and decodes it onto a
// copy of DefaultConfig so fields the file omits keep their defaults.
//
// The file must contain a single YAML document; a second document (a
// "---" separated trailer) is rejected rather than silently ignored.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("autonomy: read config %s: %w", path, err)
	}
	expanded := os.ExpandEnv(string(data))

	decoder := yaml.NewDecoder(bytes.NewReader([]byte(expanded)))
	if err := decoder.Decode(&cfg); err != nil && err != io.EOF {
		return Config{}, fmt.Errorf("autonomy: parse config %s: %w", path, err)
	}
	if err := decoder.Decode(new(struct{})); err != io.EOF {
		return Config{}, fmt.Errorf("autonomy: config %s: expected a single document", path)
	}

	return cfg, nil
}
