package lnstack

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderLoad(t *testing.T) {
	stack, err := NewStack(DefaultStackConfig())
	require.NoError(t, err)

	data, err := Render(stack)
	require.NoError(t, err)
	assert.Contains(t, string(data), "bitcoin-core:")
	assert.Contains(t, string(data), "${LND_2_DATA_DIR}:/root/.lnd")
	assert.Contains(t, string(data), "8081:8080")
	assert.Contains(t, string(data), "stop_grace_period: 5m0s")

	loaded, err := Load(data)
	require.NoError(t, err)
	assert.Equal(t, stack, loaded)
}

func TestWriteLoadFile(t *testing.T) {
	stack, err := NewStack(DefaultStackConfig())
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "docker-compose.yml")
	require.NoError(t, WriteFile(path, stack))

	loaded, err := LoadFile(path)
	require.NoError(t, err)
	assert.Len(t, loaded.Services, 3)
}

func TestLoadComposeForms(t *testing.T) {
	data := []byte(`
services:
  lnd_1:
    image: lightninglabs/lnd:v0.18.4-beta
    command: --bitcoin.testnet --norest
    environment:
      - FOO=bar
      - EMPTY=
    depends_on: bitcoin-core
    stop_grace_period: 1m30s
  bitcoin-core:
    image: ruimarinho/bitcoin-core:24
    environment:
      BITCOIN_DATA: /data
`)
	stack, err := Load(data)
	require.NoError(t, err)
	require.Len(t, stack.Services, 2)

	// Sorted by name.
	assert.Equal(t, "bitcoin-core", stack.Services[0].Name)
	assert.Equal(t, map[string]string{"BITCOIN_DATA": "/data"}, stack.Services[0].Environment)

	lnd := stack.Services[1]
	assert.Equal(t, []string{"--bitcoin.testnet", "--norest"}, lnd.Command)
	assert.Equal(t, map[string]string{"FOO": "bar", "EMPTY": ""}, lnd.Environment)
	assert.Equal(t, []string{"bitcoin-core"}, lnd.DependsOn)
	assert.Equal(t, 90*time.Second, lnd.StopGracePeriod)
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name string
		data string
		want string
	}{
		{"no services", "name: x\n", "no services"},
		{"bad yaml", "services: [", "decode compose file"},
		{"bad port", "services:\n  a:\n    image: x\n    ports: [\"80\"]\n", "service a"},
		{"bad volume", "services:\n  a:\n    image: x\n    volumes: [\"/x\"]\n", "service a"},
		{"bad duration", "services:\n  a:\n    image: x\n    stop_grace_period: soon\n", "stop_grace_period"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load([]byte(tc.data))
			require.ErrorContains(t, err, tc.want)
		})
	}
}

func TestRenderLoadZeroStopGrace(t *testing.T) {
	stack, err := NewStack(DefaultStackConfig())
	require.NoError(t, err)
	for _, svc := range stack.Services {
		svc.StopGracePeriod = 0
	}

	data, err := Render(stack)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "stop_grace_period")

	loaded, err := Load(data)
	require.NoError(t, err)
	assert.Equal(t, stack, loaded)
}

func TestRenderDuplicateService(t *testing.T) {
	stack := &Stack{Services: []*Service{{Name: "a", Image: "x"}, {Name: "a", Image: "y"}}}
	_, err := Render(stack)
	require.Error(t, err)
}
