package discovery

import (
	"net"
	"testing"

	"github.com/grandcat/zeroconf"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTXTRoundTrip(t *testing.T) {
	in := TXT{HTTPPort: 8080, MQTTPort: 1883, Host: "kiosk-hub.local"}
	out := ParseTXT(append(in.Records(), "junk", "other=1"))
	assert.Equal(t, in, out)
}

func TestEndpointFromEntry(t *testing.T) {
	entry := zeroconf.NewServiceEntry("Ad Sync Server (hub)", ServiceType, Domain)
	entry.AddrIPv4 = []net.IP{net.ParseIP("192.168.1.20")}
	entry.Port = 8080
	entry.Text = TXT{HTTPPort: 8080, MQTTPort: 1883}.Records()

	ep, err := EndpointFromEntry(entry)
	require.NoError(t, err)
	assert.Equal(t, "http://192.168.1.20:8080", ep.ServerURL)
	assert.Equal(t, "tcp://192.168.1.20:1883", ep.BrokerURL)
}

func TestEndpointFromEntryFallsBackToHostName(t *testing.T) {
	entry := zeroconf.NewServiceEntry("hub", ServiceType, Domain)
	entry.HostName = "hub.local."
	entry.Port = 9000

	ep, err := EndpointFromEntry(entry)
	require.NoError(t, err)
	assert.Equal(t, "http://hub.local:9000", ep.ServerURL)
	assert.Empty(t, ep.BrokerURL)
}

func TestEndpointFromEntryRequiresAddress(t *testing.T) {
	entry := zeroconf.NewServiceEntry("hub", ServiceType, Domain)
	entry.Port = 9000
	_, err := EndpointFromEntry(entry)
	require.Error(t, err)
}
