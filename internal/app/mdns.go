package app

import (
	"fmt"
	"os"
	"strings"

	"github.com/grandcat/zeroconf"

	"kioskads/internal/discovery"
)

func (a *App) startMDNS(mqttPort int) error {
	if mqttPort <= 0 {
		return fmt.Errorf("invalid mqtt port %d", mqttPort)
	}

	a.stopMDNS()

	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "adsync"
	}

	instance := sanitizeMDNSInstance(fmt.Sprintf("Ad Sync Server (%s)", hostname))
	txt := discovery.TXT{HTTPPort: a.cfg.HTTPPort, MQTTPort: mqttPort, Host: hostFQDN(hostname)}.Records()

	server, err := zeroconf.Register(instance, discovery.ServiceType, discovery.Domain, a.cfg.HTTPPort, txt, nil)
	if err != nil {
		return err
	}

	a.mdns = server
	a.logger.Info("mDNS advertisement started", "instance", instance, "http_port", a.cfg.HTTPPort, "mqtt_port", mqttPort)
	return nil
}

func (a *App) stopMDNS() {
	if a.mdns == nil {
		return
	}

	a.mdns.Shutdown()
	a.logger.Info("mDNS advertisement stopped")
	a.mdns = nil
}

func sanitizeMDNSInstance(name string) string {
	cleaned := strings.TrimSpace(name)
	cleaned = strings.NewReplacer("\n", " ", "\r", " ", ".", " ", "_", " ").Replace(cleaned)
	if cleaned == "" {
		cleaned = "Ad Sync Server"
	}
	return truncateRunes(cleaned, 63)
}

// hostFQDN turns a hostname into a .local name with a valid first label.
func hostFQDN(name string) string {
	label := strings.TrimSpace(strings.ToLower(name))
	label = strings.NewReplacer(" ", "-", "_", "-", "\n", "", "\r", "").Replace(label)
	if label == "" {
		label = "adsync"
	}
	label = truncateRunes(label, 63)
	if strings.Contains(label, ".") {
		return label
	}
	return label + ".local"
}

func truncateRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) > n {
		return string(runes[:n])
	}
	return s
}
