package vfs

import (
	"fmt"
	"log"
	"unsafe"

	"modernc.org/libc"
	sqlite3 "modernc.org/sqlite/lib"
)

// Pragma is a pragma statement intercepted before the host's own handling
type Pragma struct {
	Name   string
	Arg    string
	HasArg bool // false for "pragma name" without "= value"
}

func (p Pragma) String() string {
	if !p.HasArg {
		return p.Name
	}
	return p.Name + "=" + p.Arg
}

// PragmaHandler is implemented by a File or a VFS to answer custom pragmas.
// Unknown names must return PragmaUnhandled without side effects, the host probes every pragma.
type PragmaHandler interface {
	Pragma(p Pragma) PragmaOutcome
}

// PragmaOutcome is the result of a pragma hook. The zero value means "unhandled".
type PragmaOutcome struct {
	handled  bool
	value    string
	hasValue bool
	code     int32
	msg      string
}

// PragmaUnhandled lets the host proceed with its default handling
func PragmaUnhandled() PragmaOutcome { return PragmaOutcome{} }

// PragmaValue handles the pragma, returning v as a single row, single column result
func PragmaValue(v string) PragmaOutcome {
	return PragmaOutcome{handled: true, value: v, hasValue: true}
}

// PragmaOK handles the pragma without returning rows
func PragmaOK() PragmaOutcome { return PragmaOutcome{handled: true} }

// PragmaFail handles the pragma as an error with an explicit host result code.
// OK and NOTFOUND can't signal a failure and are replaced by SQLITE_MISUSE.
func PragmaFail(code int32, format string, args ...any) PragmaOutcome {
	if code == sqlite3.SQLITE_OK || code == sqlite3.SQLITE_NOTFOUND {
		code = sqlite3.SQLITE_MISUSE
	}
	return PragmaOutcome{handled: true, code: code, msg: fmt.Sprintf(format, args...)}
}

// PragmaRequiredArg fails a pragma called without an argument
func PragmaRequiredArg(p Pragma) PragmaOutcome {
	return PragmaFail(sqlite3.SQLITE_ERROR, "argument required (e.g. `pragma %s = ...`)", p.Name)
}

// Handled reports whether the hook took over the pragma
func (o PragmaOutcome) Handled() bool { return o.handled }

// Value returns the result value, if any
func (o PragmaOutcome) Value() (string, bool) { return o.value, o.hasValue }

// Failure returns the error code and message, code is 0 for non-failures
func (o PragmaOutcome) Failure() (code int32, msg string) { return o.code, o.msg }

// readPragma decodes the SQLITE_FCNTL_PRAGMA argument, a char*[3] with name at [1] and value at [2]
func readPragma(pArg uintptr) (Pragma, bool) {
	if pArg == 0 {
		return Pragma{}, false
	}
	args := (*[3]uintptr)(unsafe.Pointer(pArg))
	if args[1] == 0 {
		return Pragma{}, false
	}
	res := Pragma{Name: libc.GoString(args[1])}
	if args[2] != 0 {
		res.Arg, res.HasArg = libc.GoString(args[2]), true
	}
	return res, true
}

// writePragma stores the outcome into the SQLITE_FCNTL_PRAGMA argument and returns the result code.
// Strings placed into slot 0 are freed by the host, so they are allocated by the host allocator.
func writePragma(tls *libc.TLS, api hostAPI, pArg uintptr, res PragmaOutcome) int32 {
	if !res.handled {
		return sqlite3.SQLITE_NOTFOUND
	}
	args := (*[3]uintptr)(unsafe.Pointer(pArg))
	if res.code != 0 {
		if res.msg != "" {
			args[0] = hostString(tls, api, res.msg)
		}
		return res.code
	}
	if res.hasValue {
		if args[0] = hostString(tls, api, res.value); args[0] == 0 {
			return sqlite3.SQLITE_NOMEM
		}
	}
	return sqlite3.SQLITE_OK
}

// dispatchPragma routes a pragma to the file handler first and to the vfs handler next
func dispatchPragma(tls *libc.TLS, api hostAPI, pArg uintptr, handlers ...any) int32 {
	p, ok := readPragma(pArg)
	if !ok {
		return sqlite3.SQLITE_NOTFOUND
	}
	for _, h := range handlers {
		ph, ok := h.(PragmaHandler)
		if !ok {
			continue
		}
		res := ph.Pragma(p)
		if !res.handled {
			continue
		}
		log.Printf("[DEBUG] pragma %s handled, value %q, code %d", p, res.value, res.code)
		return writePragma(tls, api, pArg, res)
	}
	return sqlite3.SQLITE_NOTFOUND
}
