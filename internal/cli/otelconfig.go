package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// OtelCollectorConfig represents the parts of an OpenTelemetry Collector
// config that locate trace files: the file exporters, and the pipelines
// that route traces to them.
type OtelCollectorConfig struct {
	Exporters map[string]FileExporter `yaml:"exporters"`
	Service   struct {
		Pipelines map[string]struct {
			Exporters []string `yaml:"exporters"`
		} `yaml:"pipelines"`
	} `yaml:"service"`
}

// FileExporter represents a file exporter configuration.
type FileExporter struct {
	Path string `yaml:"path"`
}

func isFileExporter(name string) bool {
	return name == "file" || strings.HasPrefix(name, "file/")
}

// ParseOtelConfig reads an OpenTelemetry Collector config file and returns
// the directories its file exporters write traces to, sorted. When the
// config declares traces pipelines, only exporters used by one of them are
// considered; otherwise every file exporter is.
func ParseOtelConfig(configPath string) ([]string, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read otel config: %w", err)
	}

	var config OtelCollectorConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse otel config: %w", err)
	}

	var traced map[string]bool
	for name, p := range config.Service.Pipelines {
		if name != "traces" && !strings.HasPrefix(name, "traces/") {
			continue
		}
		if traced == nil {
			traced = make(map[string]bool)
		}
		for _, e := range p.Exporters {
			traced[e] = true
		}
	}

	var dirs []string
	for name, exporter := range config.Exporters {
		if !isFileExporter(name) || exporter.Path == "" {
			continue
		}
		if traced != nil && !traced[name] {
			continue
		}
		dir := filepath.Dir(exporter.Path)
		if !slices.Contains(dirs, dir) {
			dirs = append(dirs, dir)
		}
	}
	slices.Sort(dirs)

	return dirs, nil
}
