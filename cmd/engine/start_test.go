package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pegboardhq/engine/pkg/epoxy"
)

func TestParseVersionOrdinal(t *testing.T) {
	cases := []struct {
		version string
		want    uint32
	}{
		{"1.2.3", 1002003},
		{"0.0.1", 1},
		{"dev", 0},
		{"", 0},
		{"2", 2},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, parseVersionOrdinal(c.version), "version %q", c.version)
	}
}

func TestParsePeerReplicaURLs(t *testing.T) {
	out, err := parsePeerReplicaURLs([]string{"2=http://dc2:8080", "3=http://dc3:8080"})
	require.NoError(t, err)
	assert.Equal(t, "http://dc2:8080", out[2])
	assert.Equal(t, "http://dc3:8080", out[3])
}

func TestParsePeerReplicaURLsMalformed(t *testing.T) {
	_, err := parsePeerReplicaURLs([]string{"not-a-pair"})
	assert.Error(t, err)

	_, err = parsePeerReplicaURLs([]string{"abc=http://dc2:8080"})
	assert.Error(t, err)
}

func TestParsePeerReplicaURLsEmpty(t *testing.T) {
	out, err := parsePeerReplicaURLs(nil)
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestBuildClusterConfig(t *testing.T) {
	cfg := buildClusterConfig(1, map[uint16]string{2: "http://dc2:8080"})
	assert.Equal(t, uint32(1), cfg.CoordinatorReplicaID)
	require.Len(t, cfg.Replicas, 2)

	var sawSelf, sawPeer bool
	for _, r := range cfg.Replicas {
		assert.Equal(t, epoxy.ReplicaActive, r.Status)
		switch r.ReplicaID {
		case 1:
			sawSelf = true
			assert.Empty(t, r.URL)
		case 2:
			sawPeer = true
			assert.Equal(t, "http://dc2:8080", r.URL)
		}
	}
	assert.True(t, sawSelf)
	assert.True(t, sawPeer)
}

func TestBuildGuardDatacenters(t *testing.T) {
	out := buildGuardDatacenters(map[uint16]string{2: "http://dc2:8080", 3: "http://dc3:8080"})
	require.Len(t, out, 2)
	assert.Equal(t, uint16(2), out[2].Label)
	assert.Equal(t, "http://dc2:8080", out[2].PublicURL)
}

func TestEnabledServicesDefault(t *testing.T) {
	oldServices, oldExcept := startServices, startExceptServices
	defer func() { startServices, startExceptServices = oldServices, oldExcept }()

	startServices = nil
	startExceptServices = nil
	enabled := enabledServices()
	for _, s := range allServices {
		assert.True(t, enabled[s], "expected %q enabled by default", s)
	}
}

func TestEnabledServicesExplicitSubset(t *testing.T) {
	oldServices, oldExcept := startServices, startExceptServices
	defer func() { startServices, startExceptServices = oldServices, oldExcept }()

	startServices = []string{"epoxy", "ops"}
	startExceptServices = nil
	enabled := enabledServices()
	assert.True(t, enabled["epoxy"])
	assert.True(t, enabled["ops"])
	assert.False(t, enabled["guard"])
}

func TestEnabledServicesExcept(t *testing.T) {
	oldServices, oldExcept := startServices, startExceptServices
	defer func() { startServices, startExceptServices = oldServices, oldExcept }()

	startServices = nil
	startExceptServices = []string{"metrics"}
	enabled := enabledServices()
	assert.False(t, enabled["metrics"])
	assert.True(t, enabled["epoxy"])
}
