//go:build linux && !android

package main

import platform "github.com/fosrl/tundns/dns/platform"

// resolvConfHint names the program that appears to own /etc/resolv.conf.
func resolvConfHint() string {
	manager := platform.DetectResolvConfManager()
	if manager == platform.UnknownManager {
		return ""
	}
	return "/etc/resolv.conf appears to be managed by " + manager.String()
}
