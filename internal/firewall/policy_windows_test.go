//go:build windows

package firewall

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComPolicy_DefaultOutboundRepeatedReads(t *testing.T) {
	policy, err := NewSystemPolicy()
	require.NoError(t, err)

	first, err := policy.DefaultOutbound(ProfilePublic)
	if err != nil {
		t.Skipf("firewall policy not readable: %v", err)
	}
	for i := 0; i < 200; i++ {
		got, err := policy.DefaultOutbound(ProfilePublic)
		require.NoError(t, err)
		assert.Equal(t, first, got)
	}
}
