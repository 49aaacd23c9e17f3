package main

import (
	"fmt"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/bringyour/scratch/cloud"
)

const HostScratch = "scratch"
const HostTurboWarp = "turbowarp"

// requests-serve config file. Unset keys keep the host defaults.
type RequestsConfig struct {
	Host      string `yaml:"host"`
	ProjectId string `yaml:"project_id"`
	// a saved session name, scratch only
	Session string `yaml:"session"`
	// turbowarp only
	Username string `yaml:"username"`

	RequestVariable      string        `yaml:"request_variable"`
	ResponseVariables    int           `yaml:"response_variables"`
	PacketLength         int           `yaml:"packet_length"`
	PacketInterval       time.Duration `yaml:"packet_interval"`
	IdleReconnectTimeout time.Duration `yaml:"idle_reconnect_timeout"`
	NoPacketLoss         bool          `yaml:"no_packet_loss"`
	Strict               bool          `yaml:"strict"`

	// built in requests run on workers when listed
	Threaded []string `yaml:"threaded"`
	Disabled []string `yaml:"disabled"`
	// request name to a fixed reply
	Replies map[string]string `yaml:"replies"`
}

func DefaultRequestsConfig(host string) *RequestsConfig {
	settings := defaultRequestsSettings(host)
	return &RequestsConfig{
		Host:                 host,
		RequestVariable:      settings.RequestVariable,
		ResponseVariables:    len(settings.ResponseVariables),
		PacketLength:         settings.PacketLength,
		PacketInterval:       settings.PacketInterval,
		IdleReconnectTimeout: settings.IdleReconnectTimeout,
		NoPacketLoss:         settings.NoPacketLoss,
		Strict:               settings.Strict,
		Threaded:             []string{},
		Disabled:             []string{},
		Replies:              map[string]string{},
	}
}

func defaultRequestsSettings(host string) *cloud.CloudRequestsSettings {
	if host == HostTurboWarp {
		return cloud.DefaultTurboWarpRequestsSettings()
	}
	return cloud.DefaultScratchRequestsSettings()
}

// ParseRequestsConfig reads yaml over the defaults of the configured host.
func ParseRequestsConfig(data []byte) (*RequestsConfig, error) {
	var probe struct {
		Host string `yaml:"host"`
	}
	if err := yaml.Unmarshal(data, &probe); err != nil {
		return nil, err
	}
	host := probe.Host
	if host == "" {
		host = HostScratch
	}
	if host != HostScratch && host != HostTurboWarp {
		return nil, fmt.Errorf("Unknown host \"%s\".", host)
	}

	config := DefaultRequestsConfig(host)
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, err
	}
	config.Host = host
	if config.ResponseVariables <= 0 {
		return nil, fmt.Errorf("response_variables must be positive.")
	}
	if config.PacketLength <= 0 {
		return nil, fmt.Errorf("packet_length must be positive.")
	}
	return config, nil
}

func LoadRequestsConfig(path string) (*RequestsConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseRequestsConfig(data)
}

func (self *RequestsConfig) RequestsSettings() *cloud.CloudRequestsSettings {
	settings := defaultRequestsSettings(self.Host)
	settings.RequestVariable = self.RequestVariable
	settings.ResponseVariables = cloud.DefaultResponseVariables(self.ResponseVariables)
	settings.PacketLength = self.PacketLength
	settings.PacketInterval = self.PacketInterval
	settings.IdleReconnectTimeout = self.IdleReconnectTimeout
	settings.NoPacketLoss = self.NoPacketLoss
	settings.Strict = self.Strict
	return settings
}

func (self *RequestsConfig) RequestOptions(name string) *cloud.RequestOptions {
	options := cloud.DefaultRequestOptions()
	options.Threaded = slices.Contains(self.Threaded, name)
	options.Enabled = !slices.Contains(self.Disabled, name)
	return options
}
