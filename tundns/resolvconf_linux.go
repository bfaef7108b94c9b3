//go:build linux && !android

package tundns

import platform "github.com/fosrl/tundns/dns/platform"

const resolvConfPath = "/etc/resolv.conf"

func checkResolvConf() error {
	return platform.CheckResolvConf()
}
