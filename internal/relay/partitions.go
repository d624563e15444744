package relay

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// PartitionDefinitions models the structure of configs/partitions.yaml.
type PartitionDefinitions struct {
	Partitions map[string]PartitionDefinition `yaml:"partitions"`
}

// PartitionDefinition describes a single partition endpoint definition.
type PartitionDefinition struct {
	Transport   string `yaml:"transport"`
	BrokerURL   string `yaml:"broker_url"`
	Description string `yaml:"description"`
}

// LoadPartitionDefinitions parses the YAML file containing partition metadata.
func LoadPartitionDefinitions(path string) (PartitionDefinitions, error) {
	if strings.TrimSpace(path) == "" {
		return PartitionDefinitions{Partitions: map[string]PartitionDefinition{}}, nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return PartitionDefinitions{}, fmt.Errorf("读取分区配置失败: %w", err)
	}

	var defs PartitionDefinitions
	if err := yaml.Unmarshal(content, &defs); err != nil {
		return PartitionDefinitions{}, fmt.Errorf("解析分区配置失败: %w", err)
	}
	if defs.Partitions == nil {
		defs.Partitions = map[string]PartitionDefinition{}
	}
	return defs, nil
}

// IDs 返回定义中的全部分区标识。
func (d PartitionDefinitions) IDs() []string {
	ids := make([]string, 0, len(d.Partitions))
	for id := range d.Partitions {
		ids = append(ids, id)
	}
	return ids
}
