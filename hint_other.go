//go:build !linux || android

package main

func resolvConfHint() string {
	return ""
}
