package vfs

import (
	"errors"
	"io"
	"log"
	"sync"
	"unsafe"

	"modernc.org/libc"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/umputun/sqlvfs/pkg/lock"
)

var ioMethodsOnce struct {
	sync.Once
	p uintptr
}

// ioMethods returns the shared sqlite3_io_methods table, allocated once in C memory and never freed
func ioMethods() uintptr {
	ioMethodsOnce.Do(func() {
		p := libc.Xcalloc(nil, 1, libc.Tsize_t(unsafe.Sizeof(sqlite3.Tsqlite3_io_methods{})))
		if p == 0 {
			panic("can't allocate io methods")
		}
		*(*sqlite3.Tsqlite3_io_methods)(unsafe.Pointer(p)) = sqlite3.Tsqlite3_io_methods{
			FiVersion:               1,
			FxClose:                 cFuncPointer(fileClose),
			FxRead:                  cFuncPointer(fileRead),
			FxWrite:                 cFuncPointer(fileWrite),
			FxTruncate:              cFuncPointer(fileTruncate),
			FxSync:                  cFuncPointer(fileSync),
			FxFileSize:              cFuncPointer(fileSize),
			FxLock:                  cFuncPointer(fileLock),
			FxUnlock:                cFuncPointer(fileUnlock),
			FxCheckReservedLock:     cFuncPointer(fileCheckReservedLock),
			FxFileControl:           cFuncPointer(fileControl),
			FxSectorSize:            cFuncPointer(fileSectorSize),
			FxDeviceCharacteristics: cFuncPointer(fileDeviceCharacteristics),
		}
		ioMethodsOnce.p = p
	})
	return ioMethodsOnce.p
}

// withFile resolves the descriptor and record of pFile and runs fn under the descriptor's guard.
// Unknown descriptors and stale tokens are misuse. Value-returning methods pass zero as fail
// and get zero for misuse as well.
func withFile(pFile uintptr, op string, fail int32, fn func(d *descriptor, token uint64, h *handle) int32) int32 {
	misuse := int32(sqlite3.SQLITE_MISUSE)
	if fail == 0 {
		misuse = 0
	}
	if pFile == 0 {
		return misuse
	}
	cf := (*cFile)(unsafe.Pointer(pFile))
	d := descriptorByID(cf.vfsID)
	if d == nil {
		return misuse
	}
	token := cf.token
	return d.guard(op, fail, func() int32 {
		h, err := d.handles.lookup(token)
		if err != nil {
			log.Printf("[WARN] vfs %q %s: %v", d.name, op, err)
			return misuse
		}
		return fn(d, token, h)
	})
}

func fileClose(tls *libc.TLS, pFile uintptr) int32 {
	return withFile(pFile, opClose, sqlite3.SQLITE_INTERNAL, func(d *descriptor, token uint64, h *handle) int32 {
		if h.locker == nil {
			d.locks.Release(h.lockKey, token)
		}
		if err := d.handles.release(token); err != nil {
			log.Printf("[WARN] vfs %q close: %v", d.name, err)
			return resultCode(opClose, err)
		}
		log.Printf("[DEBUG] vfs %q closed %q, token %d", d.name, h.name, token)
		return sqlite3.SQLITE_OK
	})
}

func fileRead(tls *libc.TLS, pFile, zBuf uintptr, iAmt int32, iOfst int64) int32 {
	if iAmt < 0 || iOfst < 0 || (zBuf == 0 && iAmt > 0) {
		return sqlite3.SQLITE_MISUSE
	}
	return withFile(pFile, opRead, sqlite3.SQLITE_INTERNAL, func(d *descriptor, _ uint64, h *handle) int32 {
		buf := goBytes(zBuf, int(iAmt))
		n, err := h.file.ReadAt(buf, iOfst)
		if n >= len(buf) {
			return sqlite3.SQLITE_OK
		}
		if err != nil && !errors.Is(err, io.EOF) {
			return resultCode(opRead, err)
		}
		clear(buf[max(n, 0):])
		return sqlite3.SQLITE_IOERR_SHORT_READ
	})
}

func fileWrite(tls *libc.TLS, pFile, zBuf uintptr, iAmt int32, iOfst int64) int32 {
	if iAmt < 0 || iOfst < 0 || (zBuf == 0 && iAmt > 0) {
		return sqlite3.SQLITE_MISUSE
	}
	return withFile(pFile, opWrite, sqlite3.SQLITE_INTERNAL, func(d *descriptor, _ uint64, h *handle) int32 {
		buf := goBytes(zBuf, int(iAmt))
		n, err := h.file.WriteAt(buf, iOfst)
		if err != nil {
			return resultCode(opWrite, err)
		}
		if n != len(buf) {
			return sqlite3.SQLITE_IOERR_WRITE
		}
		return sqlite3.SQLITE_OK
	})
}

func fileTruncate(tls *libc.TLS, pFile uintptr, size int64) int32 {
	if size < 0 {
		return sqlite3.SQLITE_MISUSE
	}
	return withFile(pFile, opTruncate, sqlite3.SQLITE_INTERNAL, func(d *descriptor, _ uint64, h *handle) int32 {
		return resultCode(opTruncate, h.file.Truncate(size))
	})
}

func fileSync(tls *libc.TLS, pFile uintptr, flags int32) int32 {
	return withFile(pFile, opSync, sqlite3.SQLITE_INTERNAL, func(d *descriptor, _ uint64, h *handle) int32 {
		return resultCode(opSync, h.file.Sync(SyncFlag(flags)))
	})
}

func fileSize(tls *libc.TLS, pFile, pSize uintptr) int32 {
	if pSize == 0 {
		return sqlite3.SQLITE_MISUSE
	}
	return withFile(pFile, opFileSize, sqlite3.SQLITE_INTERNAL, func(d *descriptor, _ uint64, h *handle) int32 {
		size, err := h.file.Size()
		if err != nil {
			return resultCode(opFileSize, err)
		}
		*(*int64)(unsafe.Pointer(pSize)) = size
		return sqlite3.SQLITE_OK
	})
}

func fileLock(tls *libc.TLS, pFile uintptr, level int32) int32 {
	if !LockLevel(level).Valid() {
		return sqlite3.SQLITE_MISUSE
	}
	return withFile(pFile, opLock, sqlite3.SQLITE_INTERNAL, func(d *descriptor, token uint64, h *handle) int32 {
		return d.lock(token, h, LockLevel(level))
	})
}

func (d *descriptor) lock(token uint64, h *handle, level LockLevel) int32 {
	if level <= h.level {
		return sqlite3.SQLITE_OK
	}
	if h.locker != nil {
		if err := h.locker.Lock(level); err != nil {
			return resultCode(opLock, err)
		}
		h.level = level
		return sqlite3.SQLITE_OK
	}
	err := d.locks.Lock(h.lockKey, token, level)
	h.level = d.locks.Level(h.lockKey, token)
	if err != nil {
		if !errors.Is(err, lock.ErrBusy) {
			log.Printf("[WARN] vfs %q lock %q to %s: %v", d.name, h.name, level, err)
		}
		return resultCode(opLock, err)
	}
	return sqlite3.SQLITE_OK
}

func fileUnlock(tls *libc.TLS, pFile uintptr, level int32) int32 {
	if !LockLevel(level).Valid() {
		return sqlite3.SQLITE_MISUSE
	}
	return withFile(pFile, opUnlock, sqlite3.SQLITE_INTERNAL, func(d *descriptor, token uint64, h *handle) int32 {
		return d.unlock(token, h, LockLevel(level))
	})
}

func (d *descriptor) unlock(token uint64, h *handle, level LockLevel) int32 {
	if level >= h.level {
		return sqlite3.SQLITE_OK
	}
	if h.locker != nil {
		if err := h.locker.Unlock(level); err != nil {
			return resultCode(opUnlock, err)
		}
		h.level = level
		return sqlite3.SQLITE_OK
	}
	if err := d.locks.Unlock(h.lockKey, token, level); err != nil {
		return resultCode(opUnlock, err)
	}
	h.level = level
	return sqlite3.SQLITE_OK
}

func fileCheckReservedLock(tls *libc.TLS, pFile, pResOut uintptr) int32 {
	if pResOut == 0 {
		return sqlite3.SQLITE_MISUSE
	}
	return withFile(pFile, opCheckLock, sqlite3.SQLITE_INTERNAL, func(d *descriptor, token uint64, h *handle) int32 {
		var reserved bool
		if h.locker != nil {
			var err error
			if reserved, err = h.locker.CheckReservedLock(); err != nil {
				return resultCode(opCheckLock, err)
			}
		} else {
			reserved = d.locks.CheckReserved(h.lockKey, token)
		}
		*(*int32)(unsafe.Pointer(pResOut)) = libc.Bool32(reserved)
		return sqlite3.SQLITE_OK
	})
}

func fileControl(tls *libc.TLS, pFile uintptr, op int32, pArg uintptr) int32 {
	return withFile(pFile, opFileControl, sqlite3.SQLITE_INTERNAL, func(d *descriptor, _ uint64, h *handle) int32 {
		switch op {
		case sqlite3.SQLITE_FCNTL_PRAGMA:
			return dispatchPragma(tls, d.api, pArg, h.file, d.vfs)
		case sqlite3.SQLITE_FCNTL_VFSNAME:
			if pArg == 0 {
				return sqlite3.SQLITE_MISUSE
			}
			*(*uintptr)(unsafe.Pointer(pArg)) = hostString(tls, d.api, d.name)
			return sqlite3.SQLITE_OK
		case sqlite3.SQLITE_FCNTL_SIZE_HINT:
			sh, ok := h.file.(SizeHinter)
			if !ok || pArg == 0 {
				return sqlite3.SQLITE_NOTFOUND
			}
			return resultCode(opFileControl, sh.SizeHint(*(*int64)(unsafe.Pointer(pArg))))
		}
		return sqlite3.SQLITE_NOTFOUND
	})
}

func fileSectorSize(tls *libc.TLS, pFile uintptr) int32 {
	return withFile(pFile, "sector_size", 0, func(d *descriptor, _ uint64, h *handle) int32 {
		if s, ok := h.file.(SectorSizer); ok {
			return int32(s.SectorSize())
		}
		return DefaultSectorSize
	})
}

func fileDeviceCharacteristics(tls *libc.TLS, pFile uintptr) int32 {
	return withFile(pFile, "device_characteristics", 0, func(d *descriptor, _ uint64, h *handle) int32 {
		if c, ok := h.file.(Characteristics); ok {
			return int32(c.DeviceCharacteristics())
		}
		return int32(DefaultCharacteristics)
	})
}
