package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"

	"github.com/bringyour/scratch/cloud"
)

func TestParseRequestsConfigDefaults(t *testing.T) {
	config, err := ParseRequestsConfig([]byte("project_id: \"1234\"\n"))
	assert.Equal(t, err, nil)
	assert.Equal(t, config.Host, HostScratch)
	assert.Equal(t, config.ProjectId, "1234")

	settings := config.RequestsSettings()
	defaults := cloud.DefaultScratchRequestsSettings()
	assert.Equal(t, settings.RequestVariable, defaults.RequestVariable)
	assert.Equal(t, settings.ResponseVariables, defaults.ResponseVariables)
	assert.Equal(t, settings.PacketLength, defaults.PacketLength)
	assert.Equal(t, settings.PacketInterval, defaults.PacketInterval)
	assert.Equal(t, settings.Strict, defaults.Strict)

	config, err = ParseRequestsConfig([]byte("host: turbowarp\nproject_id: \"1234\"\n"))
	assert.Equal(t, err, nil)
	settings = config.RequestsSettings()
	defaults = cloud.DefaultTurboWarpRequestsSettings()
	assert.Equal(t, settings.PacketLength, defaults.PacketLength)
	assert.Equal(t, settings.PacketInterval, defaults.PacketInterval)
}

func TestParseRequestsConfigOverrides(t *testing.T) {
	data := []byte(`
host: scratch
project_id: "1234"
session: work
request_variable: IN
response_variables: 3
packet_length: 100
packet_interval: 250ms
idle_reconnect_timeout: 5m
no_packet_loss: true
strict: true
threaded:
  - time
disabled:
  - echo
replies:
  motd: hello
`)
	config, err := ParseRequestsConfig(data)
	assert.Equal(t, err, nil)
	assert.Equal(t, config.Session, "work")
	assert.Equal(t, config.Replies["motd"], "hello")

	settings := config.RequestsSettings()
	assert.Equal(t, settings.RequestVariable, "IN")
	assert.Equal(t, settings.ResponseVariables, cloud.DefaultResponseVariables(3))
	assert.Equal(t, settings.PacketLength, 100)
	assert.Equal(t, settings.PacketInterval, 250*time.Millisecond)
	assert.Equal(t, settings.IdleReconnectTimeout, 5*time.Minute)
	assert.Equal(t, settings.NoPacketLoss, true)
	assert.Equal(t, settings.Strict, true)

	options := config.RequestOptions("time")
	assert.Equal(t, options.Threaded, true)
	assert.Equal(t, options.Enabled, true)
	options = config.RequestOptions("echo")
	assert.Equal(t, options.Threaded, false)
	assert.Equal(t, options.Enabled, false)
	options = config.RequestOptions("ping")
	assert.Equal(t, options.Threaded, false)
	assert.Equal(t, options.Enabled, true)
}

func TestParseRequestsConfigErrors(t *testing.T) {
	_, err := ParseRequestsConfig([]byte("host: example\n"))
	assert.NotEqual(t, err, nil)

	_, err = ParseRequestsConfig([]byte("response_variables: 0\n"))
	assert.NotEqual(t, err, nil)

	_, err = ParseRequestsConfig([]byte("packet_length: -1\n"))
	assert.NotEqual(t, err, nil)

	_, err = ParseRequestsConfig([]byte("packet_interval: [\n"))
	assert.NotEqual(t, err, nil)
}

func TestLoadRequestsConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "requests.yml")
	err := os.WriteFile(path, []byte("host: turbowarp\nproject_id: \"99\"\nusername: host_bot\n"), 0o600)
	assert.Equal(t, err, nil)

	config, err := LoadRequestsConfig(path)
	assert.Equal(t, err, nil)
	assert.Equal(t, config.Host, HostTurboWarp)
	assert.Equal(t, config.Username, "host_bot")

	_, err = LoadRequestsConfig(filepath.Join(t.TempDir(), "missing.yml"))
	assert.NotEqual(t, err, nil)
}
