package netfabric

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVethNames(t *testing.T) {
	host, peer := vethNames("c1")
	assert.Equal(t, "c1-veth0", host)
	assert.Equal(t, "c1-veth1", peer)
}

func TestNetnsName(t *testing.T) {
	assert.Equal(t, "c1-ns", netnsName("c1"))
}

func TestGatewayFromCIDR(t *testing.T) {
	gw, err := GatewayFromCIDR(DefaultBridgeCIDR)
	require.NoError(t, err)
	assert.Equal(t, "172.18.0.1", gw)

	// An overridden --host-ip must move the gateway with it, not leave
	// it pinned to the default bridge address.
	gw, err = GatewayFromCIDR("10.99.0.1/24")
	require.NoError(t, err)
	assert.Equal(t, "10.99.0.1", gw)
}

func TestGatewayFromCIDR_Malformed(t *testing.T) {
	_, err := GatewayFromCIDR("not-a-cidr")
	assert.Error(t, err)
}
