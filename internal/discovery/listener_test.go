package discovery

import (
	"net"
	"testing"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractCurrent_UsesIDTextRecordAndResolvedAddresses(t *testing.T) {
	entry := &zeroconf.ServiceEntry{
		ServiceRecord: zeroconf.ServiceRecord{Instance: "some-friendly-name"},
		Text:          []string{"id=0123456789abcdef", "other=ignored"},
		AddrIPv4:      []net.IP{net.ParseIP("10.0.0.5")},
		Port:          11884,
	}

	id, candidates, ok := extract(entry)
	require.True(t, ok)
	assert.Equal(t, "0123456789ABCDEF", id.String())
	require.Len(t, candidates, 1)
	assert.Equal(t, "10.0.0.5", candidates[0].Address)
	assert.Equal(t, 11884, candidates[0].Port)
}

func TestExtractLegacy_ParsesInstanceNameAndAddressesTextRecord(t *testing.T) {
	entry := &zeroconf.ServiceEntry{
		ServiceRecord: zeroconf.ServiceRecord{Instance: "0123456789abcdef some device"},
		Text:          []string{`addresses=["10.0.0.6","10.0.0.7:11885"]`},
		Port:          11884,
	}

	id, candidates, ok := extract(entry)
	require.True(t, ok)
	assert.Equal(t, "0123456789ABCDEF", id.String())
	require.Len(t, candidates, 2)
	assert.Equal(t, "10.0.0.6", candidates[0].Address)
	assert.Equal(t, 11884, candidates[0].Port)
	assert.Equal(t, "10.0.0.7", candidates[1].Address)
	assert.Equal(t, 11885, candidates[1].Port)
}

func TestExtractLegacy_FallsBackToResolvedAddressesWithoutTextRecord(t *testing.T) {
	entry := &zeroconf.ServiceEntry{
		ServiceRecord: zeroconf.ServiceRecord{Instance: "0123456789abcdef some device"},
		AddrIPv4:      []net.IP{net.ParseIP("10.0.0.9")},
		Port:          11884,
	}

	id, candidates, ok := extract(entry)
	require.True(t, ok)
	assert.Equal(t, "0123456789ABCDEF", id.String())
	require.Len(t, candidates, 1)
	assert.Equal(t, "10.0.0.9", candidates[0].Address)
}

func TestExtract_RejectsEntryMatchingNeitherSchema(t *testing.T) {
	entry := &zeroconf.ServiceEntry{
		ServiceRecord: zeroconf.ServiceRecord{Instance: "not-a-controller-id"},
	}
	_, _, ok := extract(entry)
	assert.False(t, ok)
}

func TestStaleIDs_ReportsAndForgetsEntriesPastTheThreshold(t *testing.T) {
	l := &Listener{lastSeen: map[string]time.Time{
		"FRESH0000000000": time.Now(),
		"STALE0000000000": time.Now().Add(-2 * staleAfter),
	}}

	stale := l.StaleIDs()
	require.Len(t, stale, 1)
	assert.Equal(t, "STALE0000000000", stale[0].String())

	// A second call reports nothing further: the stale entry was forgotten.
	assert.Empty(t, l.StaleIDs())
	assert.Len(t, l.lastSeen, 1)
}
