package netset

import (
	"net/netip"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContains(t *testing.T) {
	var b Builder
	require.NoError(t, b.Add("10.0.0.0/8"))
	require.NoError(t, b.Add("2001:db8::/32"))
	require.NoError(t, b.Add("192.0.2.1"))
	set, err := b.Build()
	require.NoError(t, err)

	assert.True(t, set.Contains(netip.MustParseAddr("10.1.2.3")))
	assert.True(t, set.Contains(netip.MustParseAddr("2001:db8:1::ff")))
	assert.True(t, set.Contains(netip.MustParseAddr("192.0.2.1")))
	assert.False(t, set.Contains(netip.MustParseAddr("192.0.2.2")))
	assert.False(t, set.Contains(netip.MustParseAddr("11.0.0.1")))
	assert.False(t, set.Contains(netip.MustParseAddr("2001:db9::1")))
	assert.Equal(t, 3, set.Len())
}

func TestContainsMappedV4(t *testing.T) {
	var b Builder
	require.NoError(t, b.Add("10.0.0.0/8"))
	set, err := b.Build()
	require.NoError(t, err)

	assert.True(t, set.Contains(netip.MustParseAddr("::ffff:10.0.0.1")))
}

func TestAddLines(t *testing.T) {
	var b Builder
	err := b.AddLines(strings.NewReader("10.0.0.0/8\n\n172.16.0.0/12\n"))
	require.NoError(t, err)
	set, err := b.Build()
	require.NoError(t, err)
	assert.True(t, set.Contains(netip.MustParseAddr("172.20.1.1")))
}

func TestAddRejectsGarbage(t *testing.T) {
	var b Builder
	assert.Error(t, b.Add("not-an-ip"))
	assert.Error(t, b.AddLines(strings.NewReader("10.0.0.0/8\nbogus\n")))
}
