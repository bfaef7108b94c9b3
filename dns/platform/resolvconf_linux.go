//go:build linux && !android

package dns

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"syscall"

	"github.com/fosrl/tundns/logger"
)

// resolvConfPaths are the files inspected to decide whether systemd-resolved
// is in charge of /etc/resolv.conf.
type resolvConfPaths struct {
	resolvConf string
	staticStub string
	stubs      []string
}

var defaultResolvConfPaths = resolvConfPaths{
	resolvConf: "/etc/resolv.conf",
	staticStub: "/usr/lib/systemd/resolv.conf",
	stubs: []string{
		"/run/systemd/resolve/stub-resolv.conf",
		"/run/systemd/resolve/resolv.conf",
		"/var/run/systemd/resolve/stub-resolv.conf",
		"/var/run/systemd/resolve/resolv.conf",
	},
}

// CheckResolvConf reports whether /etc/resolv.conf routes lookups through
// systemd-resolved. The error is ErrUnmanagedResolvConf or
// ErrUntrustedStaticStub when it does not.
func CheckResolvConf() error {
	return defaultResolvConfPaths.ensureManagedByResolved()
}

// ensureManagedByResolved accepts resolv.conf when it links to a stub file,
// links to a static stub pointing at localhost, or has the same content as a
// stub file; checks run in that order.
//
// Unless resolv.conf goes through the stub, per-link settings on resolved
// are either ignored or only consulted after other resolvers time out.
func (p resolvConfPaths) ensureManagedByResolved() error {
	target, err := os.Readlink(p.resolvConf)
	switch {
	case err == nil:
		if p.isStub(target) {
			return nil
		}
		trusted, err := p.isTrustedStaticStub(target)
		if err != nil {
			return err
		}
		if trusted || p.contentsMatchStub() == nil {
			return nil
		}
		return fmt.Errorf("%w: symlink to %s", ErrUnmanagedResolvConf, target)

	case errors.Is(err, syscall.EINVAL):
		// not a symlink
		return p.contentsMatchStub()

	default:
		logger.Trace("Failed to read %s symlink: %v", p.resolvConf, err)
		return fmt.Errorf("%w: %w", ErrUnmanagedResolvConf, err)
	}
}

// absTarget resolves a symlink target relative to the directory holding
// resolv.conf.
func (p resolvConfPaths) absTarget(target string) string {
	if filepath.IsAbs(target) {
		return filepath.Clean(target)
	}
	return filepath.Join(filepath.Dir(p.resolvConf), target)
}

func (p resolvConfPaths) isStub(target string) bool {
	if filepath.IsAbs(target) {
		return slices.Contains(p.stubs, target)
	}

	canonical, err := filepath.EvalSymlinks(p.absTarget(target))
	if err != nil {
		logger.Error("Failed to canonicalize resolv.conf path %s: %v", target, err)
		return false
	}
	return slices.Contains(p.stubs, canonical)
}

// isTrustedStaticStub returns false when target is not the static stub. The
// static stub is only trusted while it names a loopback resolver; otherwise
// it has been edited and ErrUntrustedStaticStub is returned.
func (p resolvConfPaths) isTrustedStaticStub(target string) (bool, error) {
	if p.absTarget(target) != p.staticStub {
		return false, nil
	}

	contents, err := os.ReadFile(p.staticStub)
	if err != nil {
		return false, fmt.Errorf("%w: %w", ErrUntrustedStaticStub, err)
	}
	for _, token := range strings.Fields(string(contents)) {
		if addr, err := netip.ParseAddr(token); err == nil && addr.IsLoopback() {
			return true, nil
		}
	}
	return false, ErrUntrustedStaticStub
}

func (p resolvConfPaths) contentsMatchStub() error {
	resolvConf, err := os.ReadFile(p.resolvConf)
	if err != nil {
		return fmt.Errorf("%w: read %s: %w", ErrUnmanagedResolvConf, p.resolvConf, err)
	}
	for _, stub := range p.stubs {
		contents, err := os.ReadFile(stub)
		if err != nil {
			continue
		}
		if bytes.Equal(contents, resolvConf) {
			return nil
		}
	}
	return fmt.Errorf("%w: contents differ from every systemd-resolved resolv.conf", ErrUnmanagedResolvConf)
}

// ResolvConfManager names the tool that writes /etc/resolv.conf, as told by
// the comment header of the file.
type ResolvConfManager int

const (
	// UnknownManager indicates we couldn't determine the DNS manager
	UnknownManager ResolvConfManager = iota
	SystemdResolvedManager
	NetworkManagerManager
	ResolvconfManager
	// FileManager indicates direct file management (no DNS manager)
	FileManager
)

// String returns a human-readable name for the DNS manager type
func (m ResolvConfManager) String() string {
	switch m {
	case SystemdResolvedManager:
		return "systemd-resolved"
	case NetworkManagerManager:
		return "NetworkManager"
	case ResolvconfManager:
		return "resolvconf"
	case FileManager:
		return "file"
	default:
		return "unknown"
	}
}

// DetectResolvConfManager reads the leading comments of /etc/resolv.conf.
func DetectResolvConfManager() ResolvConfManager {
	return defaultResolvConfPaths.detectManager()
}

func (p resolvConfPaths) detectManager() ResolvConfManager {
	file, err := os.Open(p.resolvConf)
	if err != nil {
		return UnknownManager
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		text := scanner.Text()
		if len(text) == 0 {
			continue
		}

		// If we hit a non-comment line, default to file-based
		if text[0] != '#' {
			return FileManager
		}

		switch {
		case strings.Contains(text, "NetworkManager"):
			return NetworkManagerManager
		case strings.Contains(text, "systemd-resolved"):
			return SystemdResolvedManager
		case strings.Contains(text, "resolvconf"):
			return ResolvconfManager
		}
	}

	if err := scanner.Err(); err != nil {
		return UnknownManager
	}
	return FileManager
}
