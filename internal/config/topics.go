package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

const SupportedSchema = "v1"

// TopicSpec declares one topic the provider must ensure before traffic.
// Zero Partitions/ReplicationFactor fall back to the connector defaults.
type TopicSpec struct {
	Name              string `yaml:"name"`
	Partitions        int32  `yaml:"partitions"`
	ReplicationFactor int16  `yaml:"replication_factor"`
}

type topicsFile struct {
	SchemaVersion string      `yaml:"schema_version"`
	Topics        []TopicSpec `yaml:"topics"`
}

// LoadTopics parses a topic declaration YAML and validates schema_version.
func LoadTopics(path string) ([]TopicSpec, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var f topicsFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, err
	}
	if f.SchemaVersion == "" {
		f.SchemaVersion = SupportedSchema
	}
	if f.SchemaVersion != SupportedSchema {
		return nil, fmt.Errorf("topics schema_version %q not supported (want %q)", f.SchemaVersion, SupportedSchema)
	}
	for i, t := range f.Topics {
		if t.Name == "" {
			return nil, fmt.Errorf("topics[%d]: name required", i)
		}
	}
	return f.Topics, nil
}
