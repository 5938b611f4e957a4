// Package config defines the orchestrator configuration. Every key is
// optional and falls back to a default, so an empty config runs the
// synthetic test source against a local receiver.
package config

import (
	"fmt"
	"os"
	"path"
	"strings"

	"github.com/goccy/go-yaml"
)

type Method string

const (
	MethodUndefined Method = ""
	MethodPortal    Method = "portal"
	MethodHeadless  Method = "headless"
	MethodX11       Method = "x11"
	MethodTest      Method = "test"
)

func (m Method) Valid() bool {
	switch m {
	case MethodPortal, MethodHeadless, MethodX11, MethodTest:
		return true
	}
	return false
}

func (m Method) String() string {
	return string(m)
}

type InputRelayConfig struct {
	Enable bool   `yaml:"enable"`
	Port   uint16 `yaml:"port"`
	Binary string `yaml:"binary"`
}

type AndroidConfig struct {
	Enable bool `yaml:"enable"`
}

type Config struct {
	ReceiverHost string `yaml:"receiver_host"`
	ReceiverPort uint16 `yaml:"receiver_port"`

	Method Method `yaml:"method"`

	Framerate   uint32 `yaml:"framerate"`
	BitrateKbps uint32 `yaml:"bitrate_kbps"`
	Width       uint32 `yaml:"width"`
	Height      uint32 `yaml:"height"`

	// SourceNodeName overrides the substring used to attribute a registry
	// video node to the capture source (headless backend).
	SourceNodeName string `yaml:"source_node_name"`

	// CompositorSocket is the name of the Wayland socket the headless
	// compositor listens on.
	CompositorSocket string `yaml:"compositor_socket"`

	PipelineBinary string `yaml:"pipeline_binary"`

	InputRelay InputRelayConfig `yaml:"input_relay"`
	Android    AndroidConfig    `yaml:"android"`
}

func Default() Config {
	return Config{
		ReceiverHost:     "127.0.0.1",
		ReceiverPort:     5600,
		Method:           MethodTest,
		Framerate:        30,
		BitrateKbps:      8000,
		Width:            1280,
		Height:           720,
		CompositorSocket: "capturectl-stream",
		PipelineBinary:   "gst-launch-1.0",
		InputRelay: InputRelayConfig{
			Port:   9999,
			Binary: "input-server",
		},
	}
}

// ReadFromPath overlays the YAML file at cfgPath onto the defaults. A
// missing file is not an error: the defaults are returned as is.
func ReadFromPath(cfgPath string) (Config, error) {
	cfg := Default()

	b, err := os.ReadFile(expandPath(cfgPath))
	switch {
	case os.IsNotExist(err):
		return cfg, nil
	case err != nil:
		return cfg, fmt.Errorf("unable to read the config file '%s': %w", cfgPath, err)
	}

	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("unable to parse the config file '%s': %w", cfgPath, err)
	}
	return cfg, nil
}

func expandPath(rawPath string) string {
	if strings.HasPrefix(rawPath, "~/") {
		dirname, err := os.UserHomeDir()
		if err == nil {
			return path.Join(dirname, rawPath[2:])
		}
	}
	return rawPath
}
