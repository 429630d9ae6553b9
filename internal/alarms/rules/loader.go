package rules

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	alarms "iiot-gateway/internal/alarms/domain"
)

// File is the on-disk rules document.
type File struct {
	Rules []alarms.AlarmRule `yaml:"rules"`
}

// LoadFile reads alarm rules from a YAML file. An empty path yields no rules.
func LoadFile(path string) ([]alarms.AlarmRule, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("alarm rules: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes a rules document.
func Parse(data []byte) ([]alarms.AlarmRule, error) {
	var file File
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("alarm rules: decode: %w", err)
	}
	return file.Rules, nil
}
