package vfs

import (
	"fmt"
	"unsafe"

	"modernc.org/libc"
	sqlite3 "modernc.org/sqlite/lib"
)

// cFile is the host-allocated per-file structure, sqlite3_file must stay the first member
type cFile struct {
	base  sqlite3.Tsqlite3_file
	vfsID uintptr
	token uint64
}

// hostAPI is the subset of the host C API used by the bridge. Static registration calls the
// library directly, dynamic registration goes through the routines table passed to the extension.
type hostAPI interface {
	vfsRegister(tls *libc.TLS, pVfs uintptr, makeDflt int32) int32
	vfsFind(tls *libc.TLS, zName uintptr) uintptr
	malloc(tls *libc.TLS, n int32) uintptr
	log(tls *libc.TLS, code int32, zFormat, va uintptr)
	libversionNumber(tls *libc.TLS) int32
}

type staticAPI struct{}

func (staticAPI) vfsRegister(tls *libc.TLS, pVfs uintptr, makeDflt int32) int32 {
	return sqlite3.Xsqlite3_vfs_register(tls, pVfs, makeDflt)
}

func (staticAPI) vfsFind(tls *libc.TLS, zName uintptr) uintptr {
	return sqlite3.Xsqlite3_vfs_find(tls, zName)
}

func (staticAPI) malloc(tls *libc.TLS, n int32) uintptr { return sqlite3.Xsqlite3_malloc(tls, n) }

func (staticAPI) log(tls *libc.TLS, code int32, zFormat, va uintptr) {
	sqlite3.Xsqlite3_log(tls, code, zFormat, va)
}

func (staticAPI) libversionNumber(tls *libc.TLS) int32 {
	return sqlite3.Xsqlite3_libversion_number(tls)
}

type dynamicAPI struct {
	routines *sqlite3.Tsqlite3_api_routines
}

func newDynamicAPI(pApi uintptr) (*dynamicAPI, error) {
	if pApi == 0 {
		return nil, fmt.Errorf("no api routines")
	}
	r := (*sqlite3.Tsqlite3_api_routines)(unsafe.Pointer(pApi))
	if r.Fvfs_register == 0 || r.Fvfs_find == 0 || r.Fmalloc == 0 || r.Flog == 0 || r.Flibversion_number == 0 {
		return nil, fmt.Errorf("incomplete api routines")
	}
	return &dynamicAPI{routines: r}, nil
}

func (a *dynamicAPI) vfsRegister(tls *libc.TLS, pVfs uintptr, makeDflt int32) int32 {
	return (*(*func(*libc.TLS, uintptr, int32) int32)(unsafe.Pointer(&struct{ uintptr }{a.routines.Fvfs_register})))(tls, pVfs, makeDflt)
}

func (a *dynamicAPI) vfsFind(tls *libc.TLS, zName uintptr) uintptr {
	return (*(*func(*libc.TLS, uintptr) uintptr)(unsafe.Pointer(&struct{ uintptr }{a.routines.Fvfs_find})))(tls, zName)
}

func (a *dynamicAPI) malloc(tls *libc.TLS, n int32) uintptr {
	return (*(*func(*libc.TLS, int32) uintptr)(unsafe.Pointer(&struct{ uintptr }{a.routines.Fmalloc})))(tls, n)
}

func (a *dynamicAPI) log(tls *libc.TLS, code int32, zFormat, va uintptr) {
	(*(*func(*libc.TLS, int32, uintptr, uintptr))(unsafe.Pointer(&struct{ uintptr }{a.routines.Flog})))(tls, code, zFormat, va)
}

func (a *dynamicAPI) libversionNumber(tls *libc.TLS) int32 {
	return (*(*func(*libc.TLS) int32)(unsafe.Pointer(&struct{ uintptr }{a.routines.Flibversion_number})))(tls)
}

// cFuncPointer converts a function defined by a function declaration to a C pointer.
// Using it on closures is undefined.
func cFuncPointer[T any](f T) uintptr {
	return *(*uintptr)(unsafe.Pointer(&struct{ f T }{f}))
}

// hostString copies s into memory owned by the host allocator, the host frees it with sqlite3_free
func hostString(tls *libc.TLS, api hostAPI, s string) uintptr {
	p := api.malloc(tls, int32(len(s)+1))
	if p == 0 {
		return 0
	}
	b := (*libc.RawMem)(unsafe.Pointer(p))[: len(s)+1 : len(s)+1]
	copy(b, s)
	b[len(s)] = 0
	return p
}

// hostLog writes msg to the host log channel as is, without format expansion
func hostLog(tls *libc.TLS, api hostAPI, code int32, msg string) {
	zFormat, err := libc.CString("%s")
	if err != nil {
		return
	}
	defer libc.Xfree(tls, zFormat)
	zMsg, err := libc.CString(msg)
	if err != nil {
		return
	}
	defer libc.Xfree(tls, zMsg)
	va := libc.NewVaList(zMsg)
	if va == 0 {
		return
	}
	defer libc.Xfree(tls, va)
	api.log(tls, code, zFormat, va)
}

// goBytes returns a Go view of n bytes of host memory at p
func goBytes(p uintptr, n int) []byte {
	if p == 0 || n == 0 {
		return nil
	}
	return (*libc.RawMem)(unsafe.Pointer(p))[:n:n]
}

// base vfs calls, used to delegate OS services to the host's default vfs

func baseVFS(p uintptr) *sqlite3.Tsqlite3_vfs {
	if p == 0 {
		return nil
	}
	return (*sqlite3.Tsqlite3_vfs)(unsafe.Pointer(p))
}

func callDlOpen(tls *libc.TLS, base, zPath uintptr) uintptr {
	b := baseVFS(base)
	if b == nil || b.FxDlOpen == 0 {
		return 0
	}
	return (*(*func(*libc.TLS, uintptr, uintptr) uintptr)(unsafe.Pointer(&struct{ uintptr }{b.FxDlOpen})))(tls, base, zPath)
}

func callDlError(tls *libc.TLS, base uintptr, nByte int32, zErrMsg uintptr) {
	b := baseVFS(base)
	if b == nil || b.FxDlError == 0 {
		return
	}
	(*(*func(*libc.TLS, uintptr, int32, uintptr))(unsafe.Pointer(&struct{ uintptr }{b.FxDlError})))(tls, base, nByte, zErrMsg)
}

func callDlSym(tls *libc.TLS, base, pHandle, zSym uintptr) uintptr {
	b := baseVFS(base)
	if b == nil || b.FxDlSym == 0 {
		return 0
	}
	return (*(*func(*libc.TLS, uintptr, uintptr, uintptr) uintptr)(unsafe.Pointer(&struct{ uintptr }{b.FxDlSym})))(tls, base, pHandle, zSym)
}

func callDlClose(tls *libc.TLS, base, pHandle uintptr) {
	b := baseVFS(base)
	if b == nil || b.FxDlClose == 0 {
		return
	}
	(*(*func(*libc.TLS, uintptr, uintptr))(unsafe.Pointer(&struct{ uintptr }{b.FxDlClose})))(tls, base, pHandle)
}

func callRandomness(tls *libc.TLS, base uintptr, nByte int32, zOut uintptr) int32 {
	b := baseVFS(base)
	if b == nil || b.FxRandomness == 0 {
		return 0
	}
	return (*(*func(*libc.TLS, uintptr, int32, uintptr) int32)(unsafe.Pointer(&struct{ uintptr }{b.FxRandomness})))(tls, base, nByte, zOut)
}

func callSleep(tls *libc.TLS, base uintptr, micro int32) int32 {
	b := baseVFS(base)
	if b == nil || b.FxSleep == 0 {
		return 0
	}
	return (*(*func(*libc.TLS, uintptr, int32) int32)(unsafe.Pointer(&struct{ uintptr }{b.FxSleep})))(tls, base, micro)
}

func callCurrentTime(tls *libc.TLS, base, pTime uintptr) int32 {
	b := baseVFS(base)
	if b == nil || b.FxCurrentTime == 0 {
		return sqlite3.SQLITE_ERROR
	}
	return (*(*func(*libc.TLS, uintptr, uintptr) int32)(unsafe.Pointer(&struct{ uintptr }{b.FxCurrentTime})))(tls, base, pTime)
}

func callCurrentTimeInt64(tls *libc.TLS, base, pTime uintptr) int32 {
	b := baseVFS(base)
	if b == nil {
		return sqlite3.SQLITE_ERROR
	}
	if b.FiVersion < 2 || b.FxCurrentTimeInt64 == 0 {
		bp := tls.Alloc(8)
		defer tls.Free(8)
		if rc := callCurrentTime(tls, base, bp); rc != sqlite3.SQLITE_OK {
			return rc
		}
		*(*int64)(unsafe.Pointer(pTime)) = int64(*(*float64)(unsafe.Pointer(bp)) * msPerDay)
		return sqlite3.SQLITE_OK
	}
	return (*(*func(*libc.TLS, uintptr, uintptr) int32)(unsafe.Pointer(&struct{ uintptr }{b.FxCurrentTimeInt64})))(tls, base, pTime)
}

func callGetLastError(tls *libc.TLS, base uintptr, nBuf int32, zBuf uintptr) int32 {
	b := baseVFS(base)
	if b == nil || b.FxGetLastError == 0 {
		return 0
	}
	return (*(*func(*libc.TLS, uintptr, int32, uintptr) int32)(unsafe.Pointer(&struct{ uintptr }{b.FxGetLastError})))(tls, base, nBuf, zBuf)
}
