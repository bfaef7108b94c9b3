package dns

import (
	"net/netip"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeSearchDomains(t *testing.T) {
	got, err := NormalizeSearchDomains([]string{" Corp.Example. ", "", "lab.example", "xn--bcher-kva.example"})
	require.NoError(t, err)
	assert.Equal(t, []string{"corp.example", "lab.example", "xn--bcher-kva.example"}, got)

	got, err = NormalizeSearchDomains(nil)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestNormalizeSearchDomainsRejects(t *testing.T) {
	for _, domain := range []string{".", "bad..example", strings.Repeat("a", 64) + ".example"} {
		_, err := NormalizeSearchDomains([]string{domain})
		assert.Error(t, err, domain)
	}
}

func TestSortedUnique(t *testing.T) {
	in := addrs(t, "10.0.0.2", "fd00::1", "10.0.0.1", "10.0.0.2")
	assert.Equal(t, addrs(t, "10.0.0.1", "10.0.0.2", "fd00::1"), sortedUnique(in))
	assert.Equal(t, addrs(t, "10.0.0.2", "fd00::1", "10.0.0.1", "10.0.0.2"), in, "input is left untouched")

	mapped := addrs(t, "::ffff:10.0.0.1", "10.0.0.1", "fe80::1%wg0")
	assert.Equal(t, addrs(t, "10.0.0.1", "fe80::1"), sortedUnique(mapped))
}

func TestSplitByFamily(t *testing.T) {
	v4, v6 := splitByFamily([]netip.Addr{
		netip.MustParseAddr("fd00::1"),
		netip.MustParseAddr("::ffff:10.0.0.9"),
		netip.MustParseAddr("10.0.0.1"),
		netip.MustParseAddr("fe80::1%wg0"),
	})
	assert.Equal(t, addrs(t, "10.0.0.9", "10.0.0.1"), v4)
	assert.Equal(t, addrs(t, "fd00::1", "fe80::1"), v6)
}
