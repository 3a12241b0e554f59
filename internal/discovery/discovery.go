// Package discovery advertises and locates the ad sync server over mDNS.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"
)

const (
	ServiceType = "_adsync._tcp"
	Domain      = "local."
)

// ErrNotFound is returned by Browse when no server answers before the deadline.
var ErrNotFound = errors.New("no ad sync server found")

// TXT holds the key/value records published next to the service.
type TXT struct {
	HTTPPort int
	MQTTPort int
	Host     string
}

// Records renders t as zeroconf TXT entries.
func (t TXT) Records() []string {
	records := []string{
		fmt.Sprintf("http_port=%d", t.HTTPPort),
		fmt.Sprintf("mqtt_port=%d", t.MQTTPort),
	}
	if t.Host != "" {
		records = append(records, "host="+t.Host)
	}
	return records
}

// ParseTXT reads records produced by Records. Unknown keys are ignored.
func ParseTXT(records []string) TXT {
	var t TXT
	for _, rec := range records {
		key, value, ok := strings.Cut(rec, "=")
		if !ok {
			continue
		}
		switch key {
		case "http_port":
			t.HTTPPort, _ = strconv.Atoi(value)
		case "mqtt_port":
			t.MQTTPort, _ = strconv.Atoi(value)
		case "host":
			t.Host = value
		}
	}
	return t
}

// Endpoint is a resolved server.
type Endpoint struct {
	Instance  string
	ServerURL string
	BrokerURL string
}

// EndpointFromEntry builds URLs from a browse result. The advertised port is the
// HTTP port; the TXT record supplies the broker port.
func EndpointFromEntry(e *zeroconf.ServiceEntry) (Endpoint, error) {
	var host string
	switch {
	case len(e.AddrIPv4) > 0:
		host = e.AddrIPv4[0].String()
	case len(e.AddrIPv6) > 0:
		host = e.AddrIPv6[0].String()
	case e.HostName != "":
		host = strings.TrimSuffix(e.HostName, ".")
	default:
		return Endpoint{}, fmt.Errorf("service %q has no address", e.Instance)
	}

	txt := ParseTXT(e.Text)
	httpPort := e.Port
	if txt.HTTPPort > 0 {
		httpPort = txt.HTTPPort
	}
	if httpPort <= 0 {
		return Endpoint{}, fmt.Errorf("service %q has no http port", e.Instance)
	}

	ep := Endpoint{
		Instance:  e.Instance,
		ServerURL: "http://" + net.JoinHostPort(host, strconv.Itoa(httpPort)),
	}
	if txt.MQTTPort > 0 {
		ep.BrokerURL = "tcp://" + net.JoinHostPort(host, strconv.Itoa(txt.MQTTPort))
	}
	return ep, nil
}

// Browse returns the first usable server announced within timeout.
func Browse(ctx context.Context, timeout time.Duration) (Endpoint, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return Endpoint{}, fmt.Errorf("mdns resolver: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 8)
	if err := resolver.Browse(ctx, ServiceType, Domain, entries); err != nil {
		return Endpoint{}, fmt.Errorf("mdns browse: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return Endpoint{}, ErrNotFound
		case entry, ok := <-entries:
			if !ok {
				return Endpoint{}, ErrNotFound
			}
			if ep, err := EndpointFromEntry(entry); err == nil {
				return ep, nil
			}
		}
	}
}
