package netadapter

import (
	"testing"

	"github.com/cuemby/aoslauncher/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testIdent() types.InstanceIdent {
	return types.InstanceIdent{ItemID: "svc1", SubjectID: "subj1", InstanceIndex: 0, Type: types.ItemTypeService}
}

func TestPrepareAndRemoveInstanceNetworkParameters(t *testing.T) {
	n := New()
	ident := testIdent()

	err := n.PrepareInstanceNetworkParameters(ident, "provider-1", "node-1", types.NetworkServiceData{
		ExposedPorts: []string{"8080/tcp"},
	})
	require.NoError(t, err)

	require.NoError(t, n.RemoveInstanceNetworkParameters(ident, "node-1"))
}

func TestUpdateProviderNetworkTracksPerNode(t *testing.T) {
	n := New()

	require.NoError(t, n.UpdateProviderNetwork([]string{"p1", "p2"}, "node-1"))
	assert.ElementsMatch(t, []string{"p1", "p2"}, n.ProviderNetworksFor("node-1"))
	assert.Empty(t, n.ProviderNetworksFor("node-2"))

	require.NoError(t, n.UpdateProviderNetwork([]string{"p3"}, "node-1"))
	assert.ElementsMatch(t, []string{"p3"}, n.ProviderNetworksFor("node-1"))
}

func TestRestartDNSServerIsNoop(t *testing.T) {
	n := New()
	assert.NoError(t, n.RestartDNSServer())
}
