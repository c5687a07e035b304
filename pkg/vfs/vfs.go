// Package vfs bridges Go implementations of a virtual file system to the SQLite host engine.
//
// An implementor provides a VFS value and File values, registers the VFS under a unique name with
// RegisterStatic (same binary as the host) or RegisterDynamic (extension entry point), and then selects it
// with the "vfs" connection parameter, e.g. sql.Open("sqlite", "main.db?vfs=memvfs").
//
// Each host callback is dispatched through a table of exported C-ABI trampolines. A trampoline checks the
// per-VFS poison flag, validates raw arguments, looks up the file by its opaque token and calls the Go
// method with panics recovered. A recovered panic poisons the VFS permanently, after that every callback
// returns SQLITE_INTERNAL without calling implementor code.
package vfs

import (
	"io"
	"time"
)

// VFS is the file system level contract
type VFS interface {
	// Open opens or creates a file. Name is empty for temporary files the host doesn't name.
	// Returned flags are reported back to the host, zero means "same as requested".
	Open(name string, flags OpenFlag) (File, OpenFlag, error)
	// Delete removes a file, missing files should return an error of KindNotFound
	Delete(name string, syncDir bool) error
	// Access checks file existence or permission
	Access(name string, flag AccessFlag) (bool, error)
	// FullPathname canonicalizes name, the result is used as the file identity for locking
	FullPathname(name string) (string, error)
}

// File is the file handle level contract. The host never calls one File concurrently.
type File interface {
	io.ReaderAt // short reads must return io.EOF or nil, the bridge zero-fills the rest
	io.WriterAt
	Truncate(size int64) error
	Sync(flag SyncFlag) error
	Size() (int64, error)
	Close() error
}

// Locker is implemented by files that manage locks themselves, e.g. when storage is shared
// between processes. Files without it are locked by the bridge within the process.
type Locker interface {
	Lock(level LockLevel) error // busy is reported with lock.ErrBusy or KindBusy
	Unlock(level LockLevel) error
	CheckReservedLock() (bool, error)
}

// SectorSizer is implemented by files reporting a sector size other than DefaultSectorSize
type SectorSizer interface {
	SectorSize() int64
}

// Characteristics is implemented by files reporting device characteristics other than DefaultCharacteristics
type Characteristics interface {
	DeviceCharacteristics() DeviceCharacteristic
}

// SizeHinter is implemented by files able to preallocate space, called for SQLITE_FCNTL_SIZE_HINT
type SizeHinter interface {
	SizeHint(size int64) error
}

// ExtendedVFS is implemented by a VFS providing its own OS services.
// A VFS without it gets the services of the host's default VFS.
type ExtendedVFS interface {
	Randomness(p []byte) int
	Sleep(d time.Duration) time.Duration
	CurrentTime() time.Time
}

// Attacher is implemented by a VFS wanting the logger and host services. Attach is called once, after the host
// accepted the vfs and with the registry locked, so it must not register or query vfs itself.
type Attacher interface {
	Attach(lg *Logger, svc *Services)
}
