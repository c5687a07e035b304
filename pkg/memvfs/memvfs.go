// Package memvfs implements an in-memory virtual file system for the sqlite bridge.
// Files live as long as the VFS value, handles opened with the same name share data.
package memvfs

import (
	"fmt"
	"io"
	"log"
	"sort"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"modernc.org/libc"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/umputun/sqlvfs/pkg/vfs"
)

// VFS is an in-memory file system. Safe for concurrent use.
type VFS struct {
	// PragmaHook, if set, is consulted before the built-in pragmas
	PragmaHook func(p vfs.Pragma) vfs.PragmaOutcome

	mu       sync.Mutex
	files    map[string]*blob
	logger   *vfs.Logger
	services *vfs.Services
}

// blob is the content of one named file
type blob struct {
	mu   sync.RWMutex
	data []byte
}

// New makes an empty in-memory file system
func New() *VFS {
	return &VFS{files: make(map[string]*blob)}
}

// Attach keeps the logger and host services, called on registration
func (m *VFS) Attach(lg *vfs.Logger, svc *vfs.Services) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logger, m.services = lg, svc
	lg.Logf(vfs.LogNotice, "memvfs attached as %q", lg.Name())
}

// Open opens or creates a file. Unnamed files get a random name and are deleted on close.
func (m *VFS) Open(name string, flags vfs.OpenFlag) (vfs.File, vfs.OpenFlag, error) {
	deleteOnClose := flags.DeleteOnClose()
	if name == "" {
		name = "temp-" + uuid.NewString()
		deleteOnClose = true
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	b, exists := m.files[name]
	switch flags.Mode() {
	case vfs.ModeReadOnly, vfs.ModeReadWrite:
		if !exists {
			return nil, 0, vfs.Errorf(vfs.KindCantOpen, "file %q doesn't exist", name)
		}
	case vfs.ModeMustCreate:
		if exists {
			return nil, 0, vfs.Errorf(vfs.KindCantOpen, "file %q already exists", name)
		}
	}
	if !exists {
		b = &blob{}
		m.files[name] = b
	}
	log.Printf("[DEBUG] memvfs open %q, %s", name, flags)
	return &File{vfs: m, name: name, blob: b, flags: flags, deleteOnClose: deleteOnClose}, flags, nil
}

// Delete removes a file, missing files are KindNotFound
func (m *VFS) Delete(name string, _ bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.files[name]; !ok {
		return vfs.Errorf(vfs.KindNotFound, "file %q doesn't exist", name)
	}
	delete(m.files, name)
	log.Printf("[DEBUG] memvfs deleted %q", name)
	return nil
}

// Access reports whether the file exists, all existing files are readable and writable
func (m *VFS) Access(name string, _ vfs.AccessFlag) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.files[name]
	return ok, nil
}

// FullPathname returns name as is, memvfs has no directories
func (m *VFS) FullPathname(name string) (string, error) {
	return name, nil
}

// Files returns names of all files, sorted
func (m *VFS) Files() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	res := make([]string, 0, len(m.files))
	for name := range m.files {
		res = append(res, name)
	}
	sort.Strings(res)
	return res
}

// Pragma answers memvfs pragmas:
//   - hello_vfs = <arg> returns the argument back
//   - memvfs_files returns the number of files
//   - memvfs_random = <n> returns n random bytes from the host, hex encoded
func (m *VFS) Pragma(p vfs.Pragma) vfs.PragmaOutcome {
	if m.PragmaHook != nil {
		if res := m.PragmaHook(p); res.Handled() {
			return res
		}
	}
	switch p.Name {
	case "hello_vfs":
		if !p.HasArg {
			return vfs.PragmaRequiredArg(p)
		}
		m.log(vfs.LogNotice, "hello_vfs called with %q", p.Arg)
		return vfs.PragmaValue(p.Arg)
	case "memvfs_files":
		return vfs.PragmaValue(strconv.Itoa(len(m.Files())))
	case "memvfs_random":
		if !p.HasArg {
			return vfs.PragmaRequiredArg(p)
		}
		n, err := strconv.Atoi(p.Arg)
		if err != nil || n <= 0 || n > 1024 {
			return vfs.PragmaFail(sqlite3.SQLITE_RANGE, "memvfs_random needs 1..1024, got %q", p.Arg)
		}
		m.mu.Lock()
		svc := m.services
		m.mu.Unlock()
		if svc == nil {
			return vfs.PragmaFail(sqlite3.SQLITE_MISUSE, "memvfs is not registered")
		}
		return vfs.PragmaValue(fmt.Sprintf("%x", svc.Randomness(n)))
	}
	return vfs.PragmaUnhandled()
}

func (m *VFS) log(level vfs.LogLevel, format string, args ...any) {
	m.mu.Lock()
	lg := m.logger
	m.mu.Unlock()
	if lg != nil {
		lg.Logf(level, format, args...)
	}
}

// remove drops name if it still points to b
func (m *VFS) remove(name string, b *blob) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.files[name] == b {
		delete(m.files, name)
	}
}

// File is an open handle of a memvfs file
type File struct {
	vfs           *VFS
	name          string
	blob          *blob
	flags         vfs.OpenFlag
	deleteOnClose bool
}

// ReadAt reads from the file, reads past the end return io.EOF
func (f *File) ReadAt(p []byte, off int64) (int, error) {
	f.blob.mu.RLock()
	defer f.blob.mu.RUnlock()
	if off >= int64(len(f.blob.data)) {
		return 0, io.EOF
	}
	n := copy(p, f.blob.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// WriteAt writes to the file, extending it as needed
func (f *File) WriteAt(p []byte, off int64) (int, error) {
	if f.flags.ReadOnly() {
		return 0, vfs.Errorf(vfs.KindReadOnly, "file %q is read-only", f.name)
	}
	f.blob.mu.Lock()
	defer f.blob.mu.Unlock()
	if end := off + int64(len(p)); end > int64(len(f.blob.data)) {
		f.blob.data = grow(f.blob.data, end)
	}
	return copy(f.blob.data[off:], p), nil
}

// Truncate sets the file size, extending with zeros if needed
func (f *File) Truncate(size int64) error {
	if f.flags.ReadOnly() {
		return vfs.Errorf(vfs.KindReadOnly, "file %q is read-only", f.name)
	}
	f.blob.mu.Lock()
	defer f.blob.mu.Unlock()
	if size <= int64(len(f.blob.data)) {
		f.blob.data = f.blob.data[:size]
		return nil
	}
	f.blob.data = grow(f.blob.data, size)
	return nil
}

// Sync is a no-op
func (f *File) Sync(vfs.SyncFlag) error { return nil }

// Size returns the file size
func (f *File) Size() (int64, error) {
	f.blob.mu.RLock()
	defer f.blob.mu.RUnlock()
	return int64(len(f.blob.data)), nil
}

// SizeHint preallocates capacity for the expected size
func (f *File) SizeHint(size int64) error {
	f.blob.mu.Lock()
	defer f.blob.mu.Unlock()
	if size > int64(cap(f.blob.data)) {
		buf := make([]byte, len(f.blob.data), size)
		copy(buf, f.blob.data)
		f.blob.data = buf
	}
	return nil
}

// Close closes the handle, removing the file if it was opened with delete-on-close
func (f *File) Close() error {
	if f.deleteOnClose {
		f.vfs.remove(f.name, f.blob)
		log.Printf("[DEBUG] memvfs removed %q on close", f.name)
	}
	return nil
}

// Pragma answers file-level pragmas, memvfs_size returns the size of this file
func (f *File) Pragma(p vfs.Pragma) vfs.PragmaOutcome {
	if p.Name != "memvfs_size" {
		return vfs.PragmaUnhandled()
	}
	size, _ := f.Size()
	return vfs.PragmaValue(strconv.FormatInt(size, 10))
}

// grow extends buf to size bytes, zero filled
func grow(buf []byte, size int64) []byte {
	if size <= int64(cap(buf)) {
		old := len(buf)
		buf = buf[:size]
		clear(buf[old:])
		return buf
	}
	res := make([]byte, size, max(size, int64(2*cap(buf))))
	copy(res, buf)
	return res
}

// ExtensionName is the name ExtensionInit registers its vfs under
const ExtensionName = "memvfs_ext"

var extension = New()

// ExtensionInit is an extension entry point registering a process-wide memvfs as ExtensionName.
// Install it with vfs.InstallExtension.
func ExtensionInit(tls *libc.TLS, db, pzErrMsg, pApi uintptr) int32 {
	_, err := vfs.RegisterDynamic(tls, pApi, ExtensionName, extension, vfs.RegisterOpts{})
	return vfs.ExtensionResult(tls, pApi, pzErrMsg, err)
}
