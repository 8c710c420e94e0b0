package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/pegboardhq/engine/pkg/types"
)

func TestRunnerConfigYAMLToRunnerConfig(t *testing.T) {
	y := runnerConfigYAML{
		Kind:            "serverless",
		URL:             "https://runner.example.com",
		RequestLifespan: "30s",
		SlotsPerRunner:  4,
		MinRunners:      1,
		MaxRunners:      10,
	}

	cfg, err := y.toRunnerConfig("ns1", "my-runner")
	require.NoError(t, err)
	assert.Equal(t, "ns1", cfg.NamespaceID)
	assert.Equal(t, "my-runner", cfg.Name)
	assert.Equal(t, types.RunnerConfigServerless, cfg.Kind)
	assert.Equal(t, 30*time.Second, cfg.RequestLifespan)
	assert.Equal(t, uint32(4), cfg.SlotsPerRunner)
}

func TestRunnerConfigYAMLDefaultsToNormal(t *testing.T) {
	cfg, err := runnerConfigYAML{}.toRunnerConfig("ns1", "r1")
	require.NoError(t, err)
	assert.Equal(t, types.RunnerConfigNormal, cfg.Kind)
}

func TestRunnerConfigYAMLInvalidDuration(t *testing.T) {
	_, err := runnerConfigYAML{RequestLifespan: "not-a-duration"}.toRunnerConfig("ns1", "r1")
	assert.Error(t, err)
}

func TestEngineResourceParsesFromYAML(t *testing.T) {
	doc := `
apiVersion: pegboard/v1
kind: RunnerConfig
metadata:
  namespaceId: ns1
  name: my-runner
spec:
  kind: normal
  slotsPerRunner: 8
`
	var resource engineResource
	require.NoError(t, yaml.Unmarshal([]byte(doc), &resource))
	assert.Equal(t, "RunnerConfig", resource.Kind)
	assert.Equal(t, "ns1", resource.Metadata.NamespaceID)
	assert.Equal(t, "my-runner", resource.Metadata.Name)
	assert.Equal(t, uint32(8), resource.Spec.SlotsPerRunner)
}
