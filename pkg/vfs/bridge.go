package vfs

import (
	"errors"
	"fmt"
	"log"
	"runtime/debug"
	"sync/atomic"
	"time"
	"unsafe"

	"modernc.org/libc"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/umputun/sqlvfs/pkg/lock"
)

// descriptor binds a registered name to the implementor's VFS and its host-visible table.
// Descriptors are never freed, the host keeps raw pointers to them for the process lifetime.
type descriptor struct {
	id       uintptr
	name     string
	zName    uintptr // C copy of name, owned by the descriptor
	cvfs     uintptr // sqlite3_vfs in C memory, published to the host
	base     uintptr // host default vfs at registration time, used for OS services
	vfs      VFS
	api      hostAPI
	handles  *registry
	locks    *lock.Table
	logger   *Logger
	services *Services
	poisoned atomic.Bool
}

// Poisoned reports whether a panic disabled the VFS
func (d *descriptor) Poisoned() bool { return d.poisoned.Load() }

// guard runs fn unless the descriptor is poisoned. A panic in fn poisons the descriptor and
// returns fail, nothing escapes to the host.
func (d *descriptor) guard(op string, fail int32, fn func() int32) (rc int32) {
	if d.poisoned.Load() {
		return fail
	}
	defer func() {
		if r := recover(); r != nil {
			d.poisoned.Store(true)
			log.Printf("[ERROR] vfs %q poisoned, panic in %s: %v\n%s", d.name, op, r, debug.Stack())
			rc = fail
		}
	}()
	return fn()
}

// descriptorOf returns the descriptor of a host vfs pointer, nil for foreign pointers
func descriptorOf(pVfs uintptr) *descriptor {
	if pVfs == 0 {
		return nil
	}
	return descriptorByID((*sqlite3.Tsqlite3_vfs)(unsafe.Pointer(pVfs)).FpAppData)
}

// cString reads an optional C string
func cString(p uintptr) string {
	if p == 0 {
		return ""
	}
	return libc.GoString(p)
}

func vfsOpen(tls *libc.TLS, pVfs, zName, pFile uintptr, flags int32, pOutFlags uintptr) int32 {
	d := descriptorOf(pVfs)
	if d == nil || pFile == 0 {
		return sqlite3.SQLITE_MISUSE
	}
	cf := (*cFile)(unsafe.Pointer(pFile))
	cf.base.FpMethods = 0 // the host doesn't call close on a file without methods
	return d.guard(opOpen, sqlite3.SQLITE_INTERNAL, func() int32 {
		return d.open(cString(zName), cf, OpenFlag(flags), pOutFlags)
	})
}

func (d *descriptor) open(name string, cf *cFile, flags OpenFlag, pOutFlags uintptr) int32 {
	f, outFlags, err := d.vfs.Open(name, flags)
	if err != nil {
		log.Printf("[DEBUG] vfs %q can't open %q (%s): %v", d.name, name, flags, err)
		return resultCode(opOpen, err)
	}
	if f == nil {
		log.Printf("[WARN] vfs %q returned nil file for %q", d.name, name)
		return sqlite3.SQLITE_CANTOPEN
	}

	h := &handle{file: f, name: name, flags: flags}
	if l, ok := f.(Locker); ok {
		h.locker = l
	}
	token := d.handles.allocate(h)
	h.lockKey = name
	if name == "" {
		h.lockKey = fmt.Sprintf("temp:%d", token) // unnamed files are never shared
	}

	if outFlags == 0 {
		outFlags = flags
	}
	if pOutFlags != 0 {
		*(*int32)(unsafe.Pointer(pOutFlags)) = int32(outFlags)
	}
	cf.vfsID = d.id
	cf.token = token
	cf.base.FpMethods = ioMethods()
	log.Printf("[DEBUG] vfs %q opened %q (%s), token %d", d.name, name, flags, token)
	return sqlite3.SQLITE_OK
}

func vfsDelete(tls *libc.TLS, pVfs, zName uintptr, syncDir int32) int32 {
	d := descriptorOf(pVfs)
	if d == nil || zName == 0 {
		return sqlite3.SQLITE_MISUSE
	}
	return d.guard(opDelete, sqlite3.SQLITE_INTERNAL, func() int32 {
		name := libc.GoString(zName)
		if err := d.vfs.Delete(name, syncDir != 0); err != nil {
			log.Printf("[DEBUG] vfs %q can't delete %q: %v", d.name, name, err)
			return resultCode(opDelete, err)
		}
		return sqlite3.SQLITE_OK
	})
}

func vfsAccess(tls *libc.TLS, pVfs, zName uintptr, flags int32, pResOut uintptr) int32 {
	d := descriptorOf(pVfs)
	if d == nil || zName == 0 || pResOut == 0 {
		return sqlite3.SQLITE_MISUSE
	}
	return d.guard(opAccess, sqlite3.SQLITE_INTERNAL, func() int32 {
		ok, err := d.vfs.Access(libc.GoString(zName), AccessFlag(flags))
		if err != nil {
			return resultCode(opAccess, err)
		}
		*(*int32)(unsafe.Pointer(pResOut)) = libc.Bool32(ok)
		return sqlite3.SQLITE_OK
	})
}

func vfsFullPathname(tls *libc.TLS, pVfs, zName uintptr, nOut int32, zOut uintptr) int32 {
	d := descriptorOf(pVfs)
	if d == nil || zName == 0 || zOut == 0 || nOut <= 0 {
		return sqlite3.SQLITE_MISUSE
	}
	return d.guard(opFullPathname, sqlite3.SQLITE_INTERNAL, func() int32 {
		path, err := d.vfs.FullPathname(libc.GoString(zName))
		if err != nil {
			return resultCode(opFullPathname, err)
		}
		out := goBytes(zOut, int(nOut))
		n := copy(out[:len(out)-1], path)
		out[n] = 0
		if n < len(path) {
			log.Printf("[WARN] vfs %q path %q is longer than %d bytes", d.name, path, nOut-1)
			return sqlite3.SQLITE_CANTOPEN
		}
		return sqlite3.SQLITE_OK
	})
}

// dynamic library loading is always delegated to the host default vfs

func vfsDlOpen(tls *libc.TLS, pVfs, zPath uintptr) uintptr {
	if d := descriptorOf(pVfs); d != nil {
		return callDlOpen(tls, d.base, zPath)
	}
	return 0
}

func vfsDlError(tls *libc.TLS, pVfs uintptr, nByte int32, zErrMsg uintptr) {
	if d := descriptorOf(pVfs); d != nil {
		callDlError(tls, d.base, nByte, zErrMsg)
	}
}

func vfsDlSym(tls *libc.TLS, pVfs, pHandle, zSym uintptr) uintptr {
	if d := descriptorOf(pVfs); d != nil {
		return callDlSym(tls, d.base, pHandle, zSym)
	}
	return 0
}

func vfsDlClose(tls *libc.TLS, pVfs, pHandle uintptr) {
	if d := descriptorOf(pVfs); d != nil {
		callDlClose(tls, d.base, pHandle)
	}
}

func vfsRandomness(tls *libc.TLS, pVfs uintptr, nByte int32, zOut uintptr) int32 {
	d := descriptorOf(pVfs)
	if d == nil || nByte < 0 || (zOut == 0 && nByte > 0) {
		return 0
	}
	ext, ok := d.vfs.(ExtendedVFS)
	if !ok {
		return callRandomness(tls, d.base, nByte, zOut)
	}
	return d.guard("randomness", 0, func() int32 {
		return int32(ext.Randomness(goBytes(zOut, int(nByte))))
	})
}

func vfsSleep(tls *libc.TLS, pVfs uintptr, micro int32) int32 {
	d := descriptorOf(pVfs)
	if d == nil {
		return 0
	}
	ext, ok := d.vfs.(ExtendedVFS)
	if !ok {
		return callSleep(tls, d.base, micro)
	}
	return d.guard("sleep", 0, func() int32 {
		return toMicro(ext.Sleep(time.Duration(micro) * time.Microsecond))
	})
}

func vfsCurrentTime(tls *libc.TLS, pVfs, pTime uintptr) int32 {
	d := descriptorOf(pVfs)
	if d == nil || pTime == 0 {
		return sqlite3.SQLITE_ERROR
	}
	ext, ok := d.vfs.(ExtendedVFS)
	if !ok {
		return callCurrentTime(tls, d.base, pTime)
	}
	return d.guard("current_time", sqlite3.SQLITE_ERROR, func() int32 {
		*(*float64)(unsafe.Pointer(pTime)) = toJulianDay(ext.CurrentTime())
		return sqlite3.SQLITE_OK
	})
}

func vfsCurrentTimeInt64(tls *libc.TLS, pVfs, pTime uintptr) int32 {
	d := descriptorOf(pVfs)
	if d == nil || pTime == 0 {
		return sqlite3.SQLITE_ERROR
	}
	ext, ok := d.vfs.(ExtendedVFS)
	if !ok {
		return callCurrentTimeInt64(tls, d.base, pTime)
	}
	return d.guard("current_time", sqlite3.SQLITE_ERROR, func() int32 {
		*(*int64)(unsafe.Pointer(pTime)) = toJulianMs(ext.CurrentTime())
		return sqlite3.SQLITE_OK
	})
}

func vfsGetLastError(tls *libc.TLS, pVfs uintptr, nBuf int32, zBuf uintptr) int32 {
	if d := descriptorOf(pVfs); d != nil {
		return callGetLastError(tls, d.base, nBuf, zBuf)
	}
	return 0
}

// newCVFS allocates the host-visible sqlite3_vfs for d. The memory is never freed.
func newCVFS(tls *libc.TLS, d *descriptor) (uintptr, error) {
	p := libc.Xcalloc(tls, 1, libc.Tsize_t(unsafe.Sizeof(sqlite3.Tsqlite3_vfs{})))
	if p == 0 {
		return 0, errors.New("can't allocate vfs")
	}
	*(*sqlite3.Tsqlite3_vfs)(unsafe.Pointer(p)) = sqlite3.Tsqlite3_vfs{
		FiVersion:          2,
		FszOsFile:          int32(unsafe.Sizeof(cFile{})),
		FmxPathname:        MaxPathname,
		FzName:             d.zName,
		FpAppData:          d.id,
		FxOpen:             cFuncPointer(vfsOpen),
		FxDelete:           cFuncPointer(vfsDelete),
		FxAccess:           cFuncPointer(vfsAccess),
		FxFullPathname:     cFuncPointer(vfsFullPathname),
		FxDlOpen:           cFuncPointer(vfsDlOpen),
		FxDlError:          cFuncPointer(vfsDlError),
		FxDlSym:            cFuncPointer(vfsDlSym),
		FxDlClose:          cFuncPointer(vfsDlClose),
		FxRandomness:       cFuncPointer(vfsRandomness),
		FxSleep:            cFuncPointer(vfsSleep),
		FxCurrentTime:      cFuncPointer(vfsCurrentTime),
		FxGetLastError:     cFuncPointer(vfsGetLastError),
		FxCurrentTimeInt64: cFuncPointer(vfsCurrentTimeInt64),
	}
	return p, nil
}
