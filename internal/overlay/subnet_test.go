package overlay

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSubnetConfig(t *testing.T) {
	cfg, err := ParseSubnetConfig("10.128.0.0/12/6/14")
	require.NoError(t, err)

	assert.Equal(t, 18, cfg.RunnerPrefix)
	assert.Equal(t, 63, cfg.MaxRunnerID())
	assert.Equal(t, "10.128.64.0/18", cfg.RunnerSubnetCIDR(1))
	assert.Equal(t, "10.128.64.1", cfg.RunnerGatewayIP(1))
	assert.Equal(t, "10.128.127.254", cfg.HostVXLANIP(1))
	assert.Equal(t, "vxkr1", VXLANDeviceName(1))
	assert.Equal(t, 101, VNI(100, 1))
}

func TestParseSubnetConfigRejectsBadBits(t *testing.T) {
	_, err := ParseSubnetConfig("10.128.0.0/12/6/13")
	assert.Error(t, err)

	_, err = ParseSubnetConfig("not-an-ip/12/6/14")
	assert.Error(t, err)

	_, err = ParseSubnetConfig("10.0.0.0/12/6")
	assert.Error(t, err)
}

func TestVXLANDeviceNameWithinLimit(t *testing.T) {
	for _, id := range []int{1, 35, 36, 1000, 1 << 20} {
		name := VXLANDeviceName(id)
		assert.LessOrEqual(t, len(name), 15)
	}
}

func TestBase36RoundTrip(t *testing.T) {
	for _, id := range []int{0, 1, 35, 36, 37, 1295, 99999} {
		encoded := base36(id)
		decoded, ok := base36Decode(encoded)
		require.True(t, ok)
		assert.Equal(t, id, decoded)
	}
}
