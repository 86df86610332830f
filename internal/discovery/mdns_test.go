package discovery

import (
	"net"
	"testing"

	"github.com/enbility/zeroconf/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTXTRecords(t *testing.T) {
	txt := TXTRecords("dev-a", "laptop")
	assert.Equal(t, []string{"id=dev-a", "type=laptop", "v=1"}, txt)

	parsed := parseTXT(append(txt, "garbage", "empty="))
	assert.Equal(t, "dev-a", parsed["id"])
	assert.Equal(t, "laptop", parsed["type"])
	assert.Equal(t, "1", parsed["v"])
	assert.Equal(t, "", parsed["empty"])
	assert.NotContains(t, parsed, "garbage")
}

func TestNodeFromEntry(t *testing.T) {
	entry := &zeroconf.ServiceEntry{}
	entry.Instance = "tether-dev-a"
	entry.HostName = "desk.local."
	entry.Port = 7447
	entry.Text = TXTRecords("dev-a", "desktop")
	entry.AddrIPv4 = []net.IP{net.ParseIP("192.168.1.20")}

	n := nodeFromEntry(entry)
	require.NotNil(t, n)
	assert.Equal(t, "dev-a", n.DeviceID)
	assert.Equal(t, "desktop", n.DeviceType)
	assert.Equal(t, "http://192.168.1.20:7447", n.Endpoint())

	entry.AddrIPv4 = nil
	assert.Equal(t, "http://desk.local:7447", nodeFromEntry(entry).Endpoint())

	entry.Text = []string{"id=dev-a", "v=2"}
	assert.Nil(t, nodeFromEntry(entry), "other TXT versions are skipped")
}

func TestMergeAddresses(t *testing.T) {
	got := mergeAddresses([]string{"10.0.0.1"}, []string{"10.0.0.1", "fe80::1"})
	assert.Equal(t, []string{"10.0.0.1", "fe80::1"}, got)
}

func TestAdvertiser(t *testing.T) {
	var adv Advertiser
	defer adv.Stop()

	if err := adv.Advertise("dev-a", "desktop", 7447); err != nil {
		t.Skipf("mdns unavailable in this environment: %v", err)
	}
	// Re-advertising replaces the registration.
	require.NoError(t, adv.Advertise("dev-a", "desktop", 7448))
	adv.Stop()
	adv.Stop()
}
