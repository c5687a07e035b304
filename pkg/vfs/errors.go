package vfs

import (
	"errors"
	"fmt"
	"io/fs"

	sqlite3 "modernc.org/sqlite/lib"

	"github.com/umputun/sqlvfs/pkg/lock"
)

// Kind is a semantic error class. The bridge translates kinds to host result codes.
type Kind int

// enum of error kinds
const (
	KindIO Kind = iota // default for unclassified errors
	KindNotFound
	KindPermission
	KindBusy
	KindMisuse
	KindUnsupported
	KindInternal
	KindCantOpen
	KindReadOnly
	KindFull
	KindNoMem
)

var errKindNames = map[Kind]string{
	KindIO: "io", KindNotFound: "not found", KindPermission: "permission denied", KindBusy: "busy",
	KindMisuse: "misuse", KindUnsupported: "unsupported", KindInternal: "internal", KindCantOpen: "can't open",
	KindReadOnly: "read-only", KindFull: "full", KindNoMem: "no memory",
}

func (k Kind) String() string {
	if s, ok := errKindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Error is an error with a semantic kind. Code, if set, is returned to the host as is.
type Error struct {
	Kind Kind
	Code int32
	Op   string
	Err  error
}

// Errorf makes an Error of the given kind with a formatted message
func Errorf(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// Wrap makes an Error of the given kind wrapping err, nil err returns nil
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// WithCode makes an Error carrying an explicit host result code
func WithCode(code int32, err error) error {
	return &Error{Kind: KindIO, Code: code, Err: err}
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf classifies err. Errors without an explicit kind map through fs and lock sentinels, IO otherwise.
func KindOf(err error) Kind {
	var e *Error
	switch {
	case errors.As(err, &e):
		return e.Kind
	case errors.Is(err, lock.ErrBusy):
		return KindBusy
	case errors.Is(err, fs.ErrNotExist):
		return KindNotFound
	case errors.Is(err, fs.ErrPermission):
		return KindPermission
	case errors.Is(err, fs.ErrExist):
		return KindCantOpen
	}
	return KindIO
}

// ops used for kind to code translation
const (
	opOpen         = "open"
	opDelete       = "delete"
	opAccess       = "access"
	opFullPathname = "full_pathname"
	opClose        = "close"
	opRead         = "read"
	opWrite        = "write"
	opTruncate     = "truncate"
	opSync         = "sync"
	opFileSize     = "file_size"
	opLock         = "lock"
	opUnlock       = "unlock"
	opCheckLock    = "check_reserved_lock"
	opFileControl  = "file_control"
	opAttach       = "attach"
)

var ioCodes = map[string]int32{
	opOpen:         sqlite3.SQLITE_CANTOPEN,
	opDelete:       sqlite3.SQLITE_IOERR_DELETE,
	opAccess:       sqlite3.SQLITE_IOERR_ACCESS,
	opFullPathname: sqlite3.SQLITE_CANTOPEN_FULLPATH,
	opClose:        sqlite3.SQLITE_IOERR_CLOSE,
	opRead:         sqlite3.SQLITE_IOERR_READ,
	opWrite:        sqlite3.SQLITE_IOERR_WRITE,
	opTruncate:     sqlite3.SQLITE_IOERR_TRUNCATE,
	opSync:         sqlite3.SQLITE_IOERR_FSYNC,
	opFileSize:     sqlite3.SQLITE_IOERR_FSTAT,
	opLock:         sqlite3.SQLITE_IOERR_LOCK,
	opUnlock:       sqlite3.SQLITE_IOERR_UNLOCK,
	opCheckLock:    sqlite3.SQLITE_IOERR_CHECKRESERVEDLOCK,
	opFileControl:  sqlite3.SQLITE_IOERR,
}

// resultCode translates an error returned by op into a host result code
func resultCode(op string, err error) int32 {
	if err == nil {
		return sqlite3.SQLITE_OK
	}
	var e *Error
	if errors.As(err, &e) && e.Code != 0 {
		return e.Code
	}

	switch KindOf(err) {
	case KindBusy:
		return sqlite3.SQLITE_BUSY
	case KindMisuse:
		return sqlite3.SQLITE_MISUSE
	case KindInternal:
		return sqlite3.SQLITE_INTERNAL
	case KindReadOnly:
		return sqlite3.SQLITE_READONLY
	case KindFull:
		return sqlite3.SQLITE_FULL
	case KindNoMem:
		return sqlite3.SQLITE_NOMEM
	case KindCantOpen:
		return sqlite3.SQLITE_CANTOPEN
	case KindNotFound:
		switch op {
		case opOpen:
			return sqlite3.SQLITE_CANTOPEN
		case opDelete:
			return sqlite3.SQLITE_IOERR_DELETE_NOENT
		}
	case KindPermission:
		if op == opOpen {
			return sqlite3.SQLITE_CANTOPEN
		}
		return sqlite3.SQLITE_PERM
	case KindUnsupported:
		if op == opFileControl {
			return sqlite3.SQLITE_NOTFOUND
		}
		return sqlite3.SQLITE_IOERR
	}

	if code, ok := ioCodes[op]; ok {
		return code
	}
	return sqlite3.SQLITE_IOERR
}
