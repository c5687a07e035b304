package vfs

import (
	"errors"
	"fmt"
	"log"
	"runtime/debug"
	"strings"
	"sync"
	"unsafe"

	"modernc.org/libc"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/umputun/sqlvfs/pkg/lock"
)

const (
	// MinVersionNumber is the oldest supported host version, as returned by sqlite3_libversion_number
	MinVersionNumber = 3044000
	// MaxPathname is the longest full path name the host will ask for
	MaxPathname = 512
)

var (
	// ErrExists is returned when the name is already used by this process or known to the host
	ErrExists = errors.New("vfs already registered")
	// ErrVersion is returned when the host is older than MinVersionNumber
	ErrVersion = errors.New("unsupported sqlite version")
	// ErrName is returned for empty names or names with NUL bytes
	ErrName = errors.New("invalid vfs name")
)

// RegisterOpts defines registration options
type RegisterOpts struct {
	MakeDefault bool // make the vfs the host default, used when a connection doesn't name one
}

// registrations is the process-wide table of descriptors. Entries are never removed,
// the id of a descriptor is its position in list plus one.
var registrations = struct {
	sync.RWMutex
	list   []*descriptor
	byName map[string]*descriptor
}{byName: make(map[string]*descriptor)}

// descriptorByID returns the descriptor with the given id, nil if unknown
func descriptorByID(id uintptr) *descriptor {
	registrations.RLock()
	defer registrations.RUnlock()
	if id == 0 || id > uintptr(len(registrations.list)) {
		return nil
	}
	return registrations.list[id-1]
}

// RegisterStatic publishes v under name to the host linked into this binary.
// The returned logger writes to the host log channel, the caller keeps it for the lifetime of the vfs.
// Registration can't be undone.
func RegisterStatic(name string, v VFS, opts RegisterOpts) (*Logger, error) {
	tls := libc.NewTLS()
	defer tls.Close()
	return register(tls, staticAPI{}, name, v, opts)
}

// RegisterDynamic publishes v under name from an extension entry point. All host calls
// go through the api routines table pApi the host passed to the entry point.
func RegisterDynamic(tls *libc.TLS, pApi uintptr, name string, v VFS, opts RegisterOpts) (*Logger, error) {
	api, err := newDynamicAPI(pApi)
	if err != nil {
		return nil, fmt.Errorf("can't register vfs %q: %w", name, err)
	}
	return register(tls, api, name, v, opts)
}

func register(tls *libc.TLS, api hostAPI, name string, v VFS, opts RegisterOpts) (*Logger, error) {
	if name == "" || strings.IndexByte(name, 0) >= 0 {
		return nil, fmt.Errorf("%w %q", ErrName, name)
	}
	if v == nil {
		return nil, fmt.Errorf("can't register vfs %q without implementation", name)
	}
	if ver := api.libversionNumber(tls); ver < MinVersionNumber {
		return nil, fmt.Errorf("%w %d, required %d", ErrVersion, ver, MinVersionNumber)
	}

	registrations.Lock()
	defer registrations.Unlock()

	if _, ok := registrations.byName[name]; ok {
		return nil, fmt.Errorf("%w: %q", ErrExists, name)
	}
	zName, err := libc.CString(name)
	if err != nil {
		return nil, fmt.Errorf("can't allocate vfs name: %w", err)
	}
	if api.vfsFind(tls, zName) != 0 {
		libc.Xfree(tls, zName)
		return nil, fmt.Errorf("%w: %q is known to the host", ErrExists, name)
	}

	d := &descriptor{
		id:      uintptr(len(registrations.list) + 1),
		name:    name,
		zName:   zName,
		base:    api.vfsFind(tls, 0), // captured before v can become the default
		vfs:     v,
		api:     api,
		handles: newRegistry(),
		locks:   lock.NewTable(),
	}
	d.logger = &Logger{name: name, api: api}
	d.services = &Services{base: d.base}
	if d.cvfs, err = newCVFS(tls, d); err != nil {
		libc.Xfree(tls, zName)
		return nil, fmt.Errorf("can't register vfs %q: %w", name, err)
	}

	registrations.list = append(registrations.list, d)
	if rc := api.vfsRegister(tls, d.cvfs, libc.Bool32(opts.MakeDefault)); rc != sqlite3.SQLITE_OK {
		registrations.list = registrations.list[:len(registrations.list)-1]
		libc.Xfree(tls, d.cvfs)
		libc.Xfree(tls, zName)
		return nil, fmt.Errorf("can't register vfs %q, code %d", name, rc)
	}
	registrations.byName[name] = d

	// callbacks from other connections wait on registrations until attach is done
	if err := d.attach(); err != nil {
		return nil, fmt.Errorf("can't register vfs %q: %w", name, err)
	}
	log.Printf("[INFO] vfs %q registered, default: %v", name, opts.MakeDefault)
	return d.logger, nil
}

// attach hands the logger and services to the implementation. The host already knows the vfs
// and it can't be withdrawn, so a panic in Attach poisons the descriptor.
func (d *descriptor) attach() (err error) {
	a, ok := d.vfs.(Attacher)
	if !ok {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			d.poisoned.Store(true)
			log.Printf("[ERROR] vfs %q poisoned, panic in %s: %v\n%s", d.name, opAttach, r, debug.Stack())
			err = Errorf(KindInternal, "panic in %s: %v", opAttach, r)
		}
	}()
	a.Attach(d.logger, d.services)
	return nil
}

// Registered returns names of all vfs registered by this process, in registration order
func Registered() []string {
	registrations.RLock()
	defer registrations.RUnlock()
	res := make([]string, 0, len(registrations.list))
	for _, d := range registrations.list {
		res = append(res, d.name)
	}
	return res
}

// Poisoned reports whether the named vfs was disabled by a panic in its implementation
func Poisoned(name string) bool {
	registrations.RLock()
	defer registrations.RUnlock()
	d, ok := registrations.byName[name]
	return ok && d.Poisoned()
}

// OpenFiles returns the number of files currently open through the named vfs
func OpenFiles(name string) int {
	registrations.RLock()
	d, ok := registrations.byName[name]
	registrations.RUnlock()
	if !ok {
		return 0
	}
	return len(d.handles.tokens())
}

// ExtensionEntry is the signature of an extension entry point. Entries passed to InstallExtension
// must be top-level functions, closures can't be handed to the host.
type ExtensionEntry func(tls *libc.TLS, db, pzErrMsg, pApi uintptr) int32

// InstallExtension makes the host call entry for every new connection, the way it calls
// the init function of a loadable extension
func InstallExtension(entry ExtensionEntry) error {
	tls := libc.NewTLS()
	defer tls.Close()
	if rc := sqlite3.Xsqlite3_auto_extension(tls, cFuncPointer(entry)); rc != sqlite3.SQLITE_OK {
		return fmt.Errorf("can't install extension, code %d", rc)
	}
	return nil
}

// CancelExtension removes an entry installed by InstallExtension, it reports whether the entry was found
func CancelExtension(entry ExtensionEntry) bool {
	tls := libc.NewTLS()
	defer tls.Close()
	return sqlite3.Xsqlite3_cancel_auto_extension(tls, cFuncPointer(entry)) != 0
}

// ExtensionResult converts the result of RegisterDynamic into the return code of an entry point.
// The entry runs for every connection, so ErrExists means the vfs is already in place and is not a failure.
// Other errors are reported to the host through pzErrMsg.
func ExtensionResult(tls *libc.TLS, pApi, pzErrMsg uintptr, err error) int32 {
	if err == nil || errors.Is(err, ErrExists) {
		return sqlite3.SQLITE_OK
	}
	log.Printf("[WARN] extension failed: %v", err)
	if pzErrMsg != 0 {
		if api, e := newDynamicAPI(pApi); e == nil {
			*(*uintptr)(unsafe.Pointer(pzErrMsg)) = hostString(tls, api, err.Error())
		}
	}
	return sqlite3.SQLITE_ERROR
}
