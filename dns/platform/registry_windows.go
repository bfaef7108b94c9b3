//go:build windows

package dns

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"syscall"
	"unsafe"

	"github.com/fosrl/tundns/logger"
	"github.com/google/uuid"
	"golang.org/x/sys/windows"
	"golang.org/x/sys/windows/registry"
)

var (
	modktmw32   = windows.NewLazySystemDLL("ktmw32.dll")
	modadvapi32 = windows.NewLazySystemDLL("advapi32.dll")
	modiphlpapi = windows.NewLazySystemDLL("iphlpapi.dll")

	procCreateTransaction           = modktmw32.NewProc("CreateTransaction")
	procCommitTransaction           = modktmw32.NewProc("CommitTransaction")
	procRollbackTransaction         = modktmw32.NewProc("RollbackTransaction")
	procRegOpenKeyTransactedW       = modadvapi32.NewProc("RegOpenKeyTransactedW")
	procConvertInterfaceAliasToLuid = modiphlpapi.NewProc("ConvertInterfaceAliasToLuid")
	procConvertInterfaceLuidToGuid  = modiphlpapi.NewProc("ConvertInterfaceLuidToGuid")
)

// NewRegistryConfigurator creates a Windows DNS configurator that writes the
// interface TCP/IP parameters inside a kernel transaction.
func NewRegistryConfigurator() *RegistryConfigurator {
	return newRegistryConfigurator(windowsRegistry{})
}

type windowsRegistry struct{}

// InterfaceGUID resolves alias -> LUID -> GUID through iphlpapi.
func (windowsRegistry) InterfaceGUID(alias string) (uuid.UUID, error) {
	luid, err := luidFromAlias(alias)
	if err != nil {
		return uuid.Nil, fmt.Errorf("obtain LUID: %w", err)
	}
	guid, err := guidFromLUID(luid)
	if err != nil {
		return uuid.Nil, fmt.Errorf("obtain GUID: %w", err)
	}
	return guidToUUID(guid), nil
}

func luidFromAlias(alias string) (uint64, error) {
	alias16, err := windows.UTF16PtrFromString(alias)
	if err != nil {
		return 0, err
	}
	var luid uint64
	ret, _, _ := procConvertInterfaceAliasToLuid.Call(
		uintptr(unsafe.Pointer(alias16)),
		uintptr(unsafe.Pointer(&luid)),
	)
	if ret != 0 {
		return 0, fmt.Errorf("ConvertInterfaceAliasToLuid: %w", syscall.Errno(ret))
	}
	return luid, nil
}

func guidFromLUID(luid uint64) (windows.GUID, error) {
	var guid windows.GUID
	ret, _, _ := procConvertInterfaceLuidToGuid.Call(
		uintptr(unsafe.Pointer(&luid)),
		uintptr(unsafe.Pointer(&guid)),
	)
	if ret != 0 {
		return guid, fmt.Errorf("ConvertInterfaceLuidToGuid: %w", syscall.Errno(ret))
	}
	return guid, nil
}

// guidToUUID keeps the textual form of the GUID: Data1..Data3 are stored
// little endian in memory but printed big endian.
func guidToUUID(guid windows.GUID) uuid.UUID {
	var u uuid.UUID
	binary.BigEndian.PutUint32(u[0:4], guid.Data1)
	binary.BigEndian.PutUint16(u[4:6], guid.Data2)
	binary.BigEndian.PutUint16(u[6:8], guid.Data3)
	copy(u[8:], guid.Data4[:])
	return u
}

// BeginTransaction creates a KTM transaction for registry updates.
func (windowsRegistry) BeginTransaction() (registryTransaction, error) {
	h, _, err := procCreateTransaction.Call(0, 0, 0, 0, 0, 0, 0)
	if windows.Handle(h) == windows.InvalidHandle {
		return nil, fmt.Errorf("CreateTransaction: %w", err)
	}
	return &ktmTransaction{handle: windows.Handle(h)}, nil
}

// FlushResolverCache runs ipconfig /flushdns from the system directory. The
// exit code is not trusted and the tool output is localized, so only a
// failure to launch it is reported.
func (windowsRegistry) FlushResolverCache() error {
	sysdir, err := windows.GetSystemDirectory()
	if err != nil {
		return fmt.Errorf("locate system directory: %w", err)
	}

	cmd := exec.Command(filepath.Join(sysdir, "ipconfig.exe"), "/flushdns")
	cmd.SysProcAttr = &syscall.SysProcAttr{HideWindow: true}
	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			logger.Debug("ipconfig /flushdns exited with %d", exitErr.ExitCode())
			return nil
		}
		return fmt.Errorf("execute ipconfig: %w", err)
	}
	return nil
}

type ktmTransaction struct {
	handle windows.Handle
	done   bool
}

// OpenKey opens an HKLM subkey for writing inside the transaction.
func (t *ktmTransaction) OpenKey(path string) (registryKey, error) {
	path16, err := windows.UTF16PtrFromString(path)
	if err != nil {
		return nil, err
	}
	var key syscall.Handle
	ret, _, _ := procRegOpenKeyTransactedW.Call(
		uintptr(registry.LOCAL_MACHINE),
		uintptr(unsafe.Pointer(path16)),
		0,
		uintptr(registry.SET_VALUE),
		uintptr(unsafe.Pointer(&key)),
		uintptr(t.handle),
		0,
	)
	if ret != 0 {
		// ERROR_FILE_NOT_FOUND matches fs.ErrNotExist.
		return nil, syscall.Errno(ret)
	}
	return registry.Key(key), nil
}

func (t *ktmTransaction) Commit() error {
	return t.finish(procCommitTransaction, "CommitTransaction")
}

func (t *ktmTransaction) Rollback() error {
	return t.finish(procRollbackTransaction, "RollbackTransaction")
}

func (t *ktmTransaction) finish(proc *windows.LazyProc, name string) error {
	if t.done {
		return fmt.Errorf("%s: transaction already finished", name)
	}
	t.done = true
	defer windows.CloseHandle(t.handle)

	ret, _, err := proc.Call(uintptr(t.handle))
	if ret == 0 {
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}
