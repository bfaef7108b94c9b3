//go:build !linux || android

package tundns

const resolvConfPath = ""

// checkResolvConf is nil where resolv.conf does not decide which resolver
// is used.
var checkResolvConf func() error
