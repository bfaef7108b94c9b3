//go:build linux && !android

package dns

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const stubContents = "# This is /run/systemd/resolve/stub-resolv.conf managed by man:systemd-resolved(8).\nnameserver 127.0.0.53\noptions edns0 trust-ad\nsearch .\n"

// resolvFixture lays out a fake /etc and /run/systemd/resolve under a
// temporary directory.
type resolvFixture struct {
	root  string
	paths resolvConfPaths
}

func newResolvFixture(t *testing.T) *resolvFixture {
	t.Helper()
	root := t.TempDir()
	for _, dir := range []string{"etc", "run/systemd/resolve", "usr/lib/systemd"} {
		require.NoError(t, os.MkdirAll(filepath.Join(root, dir), 0o755))
	}
	return &resolvFixture{
		root: root,
		paths: resolvConfPaths{
			resolvConf: filepath.Join(root, "etc/resolv.conf"),
			staticStub: filepath.Join(root, "usr/lib/systemd/resolv.conf"),
			stubs: []string{
				filepath.Join(root, "run/systemd/resolve/stub-resolv.conf"),
				filepath.Join(root, "run/systemd/resolve/resolv.conf"),
			},
		},
	}
}

func (f *resolvFixture) write(t *testing.T, rel, contents string) string {
	t.Helper()
	path := filepath.Join(f.root, rel)
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func (f *resolvFixture) link(t *testing.T, target string) {
	t.Helper()
	require.NoError(t, os.Symlink(target, f.paths.resolvConf))
}

func TestResolvConfSymlinkToStub(t *testing.T) {
	f := newResolvFixture(t)
	// The stub is never read, so a dangling link still passes.
	f.link(t, f.paths.stubs[0])

	assert.NoError(t, f.paths.ensureManagedByResolved())
}

func TestResolvConfRelativeSymlinkToStub(t *testing.T) {
	f := newResolvFixture(t)
	f.write(t, "run/systemd/resolve/stub-resolv.conf", stubContents)
	f.link(t, "../run/systemd/resolve/stub-resolv.conf")

	assert.NoError(t, f.paths.ensureManagedByResolved())
}

func TestResolvConfStaticStub(t *testing.T) {
	tests := []struct {
		name     string
		contents string
		relative bool
		wantErr  error
	}{
		{
			name:     "loopback",
			contents: "nameserver 127.0.0.53\noptions edns0 trust-ad\n",
		},
		{
			name:     "ipv6 loopback",
			contents: "nameserver ::1\n",
		},
		{
			name:     "relative link",
			contents: "nameserver 127.0.0.53\n",
			relative: true,
		},
		{
			name:     "edited",
			contents: "nameserver 8.8.8.8\n",
			wantErr:  ErrUntrustedStaticStub,
		},
		{
			name:     "empty",
			contents: "",
			wantErr:  ErrUntrustedStaticStub,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newResolvFixture(t)
			f.write(t, "usr/lib/systemd/resolv.conf", tt.contents)
			if tt.relative {
				f.link(t, "../usr/lib/systemd/resolv.conf")
			} else {
				f.link(t, f.paths.staticStub)
			}

			err := f.paths.ensureManagedByResolved()
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestResolvConfUnreadableStaticStub(t *testing.T) {
	f := newResolvFixture(t)
	f.link(t, f.paths.staticStub)

	assert.ErrorIs(t, f.paths.ensureManagedByResolved(), ErrUntrustedStaticStub)
}

func TestResolvConfContentMatch(t *testing.T) {
	f := newResolvFixture(t)
	f.write(t, "run/systemd/resolve/resolv.conf", stubContents)
	f.write(t, "etc/resolv.conf", stubContents)

	assert.NoError(t, f.paths.ensureManagedByResolved())
}

func TestResolvConfSymlinkElsewhereWithMatchingContent(t *testing.T) {
	f := newResolvFixture(t)
	f.write(t, "run/systemd/resolve/stub-resolv.conf", stubContents)
	copied := f.write(t, "etc/resolv.conf.copy", stubContents)
	f.link(t, copied)

	assert.NoError(t, f.paths.ensureManagedByResolved())
}

func TestResolvConfUnmanaged(t *testing.T) {
	t.Run("regular file", func(t *testing.T) {
		f := newResolvFixture(t)
		f.write(t, "run/systemd/resolve/stub-resolv.conf", stubContents)
		f.write(t, "etc/resolv.conf", "nameserver 192.168.1.1\n")

		assert.ErrorIs(t, f.paths.ensureManagedByResolved(), ErrUnmanagedResolvConf)
	})

	t.Run("symlink elsewhere", func(t *testing.T) {
		f := newResolvFixture(t)
		f.write(t, "run/systemd/resolve/stub-resolv.conf", stubContents)
		other := f.write(t, "etc/resolv.conf.dhcp", "nameserver 192.168.1.1\n")
		f.link(t, other)

		assert.ErrorIs(t, f.paths.ensureManagedByResolved(), ErrUnmanagedResolvConf)
	})

	t.Run("missing", func(t *testing.T) {
		f := newResolvFixture(t)

		assert.ErrorIs(t, f.paths.ensureManagedByResolved(), ErrUnmanagedResolvConf)
	})

	t.Run("dangling relative link", func(t *testing.T) {
		f := newResolvFixture(t)
		f.link(t, "../run/systemd/resolve/stub-resolv.conf")

		assert.ErrorIs(t, f.paths.ensureManagedByResolved(), ErrUnmanagedResolvConf)
	})
}

func TestDetectManager(t *testing.T) {
	tests := []struct {
		name     string
		contents string
		want     ResolvConfManager
	}{
		{
			name:     "systemd-resolved",
			contents: stubContents,
			want:     SystemdResolvedManager,
		},
		{
			name:     "NetworkManager",
			contents: "# Generated by NetworkManager\nnameserver 192.168.1.1\n",
			want:     NetworkManagerManager,
		},
		{
			name:     "resolvconf",
			contents: "# Dynamic resolv.conf(5) file for glibc resolver(3) generated by resolvconf(8)\n\nnameserver 10.0.0.1\n",
			want:     ResolvconfManager,
		},
		{
			name:     "plain file",
			contents: "nameserver 1.1.1.1\n",
			want:     FileManager,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newResolvFixture(t)
			f.write(t, "etc/resolv.conf", tt.contents)
			assert.Equal(t, tt.want, f.paths.detectManager())
			assert.Equal(t, tt.want.String(), f.paths.detectManager().String())
		})
	}

	t.Run("missing", func(t *testing.T) {
		f := newResolvFixture(t)
		assert.Equal(t, UnknownManager, f.paths.detectManager())
	})
}
