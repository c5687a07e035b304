package vfs

import (
	"fmt"
	"io"
	"io/fs"
	"sync"
	"testing"
	"unsafe"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"modernc.org/libc"
	sqlite3 "modernc.org/sqlite/lib"
)

// fakeAPI is a host stub recording registrations and log messages
type fakeAPI struct {
	mu         sync.Mutex
	version    int32
	registerRC int32
	known      map[string]bool
	registered []uintptr
	logs       []fakeLog
}

type fakeLog struct {
	code int32
	msg  string
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{version: 3051002, known: map[string]bool{}}
}

func (f *fakeAPI) vfsRegister(_ *libc.TLS, pVfs uintptr, _ int32) int32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.registerRC != 0 {
		return f.registerRC
	}
	f.registered = append(f.registered, pVfs)
	return sqlite3.SQLITE_OK
}

func (f *fakeAPI) vfsFind(_ *libc.TLS, zName uintptr) uintptr {
	if zName == 0 {
		return 0
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.known[libc.GoString(zName)] {
		return 1
	}
	return 0
}

func (f *fakeAPI) malloc(tls *libc.TLS, n int32) uintptr { return libc.Xmalloc(tls, libc.Tsize_t(n)) }

func (f *fakeAPI) log(_ *libc.TLS, code int32, zFormat, va uintptr) {
	f.mu.Lock()
	defer f.mu.Unlock()
	msg := libc.GoString(zFormat)
	if msg == "%s" {
		msg = libc.GoString(libc.VaUintptr(&va))
	}
	f.logs = append(f.logs, fakeLog{code: code, msg: msg})
}

func (f *fakeAPI) libversionNumber(*libc.TLS) int32 { return f.version }

func (f *fakeAPI) messages() []fakeLog {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]fakeLog(nil), f.logs...)
}

// testVFS keeps files in memory and can be told to panic in a given op
type testVFS struct {
	mu      sync.Mutex
	files   map[string][]byte
	panicOn string
	deletes int
	logger  *Logger
	svc     *Services
}

func newTestVFS() *testVFS { return &testVFS{files: map[string][]byte{}} }

func (v *testVFS) maybePanic(op string) {
	v.mu.Lock()
	p := v.panicOn
	v.mu.Unlock()
	if p == op {
		panic(fmt.Sprintf("test panic in %s", op))
	}
}

func (v *testVFS) Attach(lg *Logger, svc *Services) {
	v.maybePanic(opAttach)
	v.logger, v.svc = lg, svc
}

func (v *testVFS) Open(name string, flags OpenFlag) (File, OpenFlag, error) {
	v.maybePanic(opOpen)
	v.mu.Lock()
	defer v.mu.Unlock()
	_, ok := v.files[name]
	if !ok && flags.Mode() != ModeCreate && flags.Mode() != ModeMustCreate {
		return nil, 0, fmt.Errorf("open %q: %w", name, fs.ErrNotExist)
	}
	if !ok {
		v.files[name] = nil
	}
	return &testFile{vfs: v, name: name}, flags, nil
}

func (v *testVFS) Delete(name string, _ bool) error {
	v.maybePanic(opDelete)
	v.mu.Lock()
	defer v.mu.Unlock()
	v.deletes++
	if _, ok := v.files[name]; !ok {
		return fmt.Errorf("delete %q: %w", name, fs.ErrNotExist)
	}
	delete(v.files, name)
	return nil
}

func (v *testVFS) Access(name string, _ AccessFlag) (bool, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	_, ok := v.files[name]
	return ok, nil
}

func (v *testVFS) FullPathname(name string) (string, error) { return "/" + name, nil }

func (v *testVFS) Pragma(p Pragma) PragmaOutcome {
	switch p.Name {
	case "hello":
		if !p.HasArg {
			return PragmaRequiredArg(p)
		}
		return PragmaValue("hi " + p.Arg)
	case "who":
		return PragmaValue("vfs")
	case "quiet":
		return PragmaOK()
	case "fail":
		return PragmaFail(sqlite3.SQLITE_ERROR, "failed %s", p.Arg)
	}
	return PragmaUnhandled()
}

type testFile struct {
	vfs  *testVFS
	name string
}

func (f *testFile) ReadAt(p []byte, off int64) (int, error) {
	f.vfs.maybePanic(opRead)
	f.vfs.mu.Lock()
	defer f.vfs.mu.Unlock()
	data := f.vfs.files[f.name]
	if off >= int64(len(data)) {
		return 0, io.EOF
	}
	n := copy(p, data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (f *testFile) WriteAt(p []byte, off int64) (int, error) {
	f.vfs.maybePanic(opWrite)
	f.vfs.mu.Lock()
	defer f.vfs.mu.Unlock()
	data := f.vfs.files[f.name]
	if end := int(off) + len(p); end > len(data) {
		data = append(data, make([]byte, end-len(data))...)
	}
	copy(data[off:], p)
	f.vfs.files[f.name] = data
	return len(p), nil
}

func (f *testFile) Truncate(size int64) error {
	f.vfs.mu.Lock()
	defer f.vfs.mu.Unlock()
	data := f.vfs.files[f.name]
	if int(size) <= len(data) {
		f.vfs.files[f.name] = data[:size]
		return nil
	}
	f.vfs.files[f.name] = append(data, make([]byte, int(size)-len(data))...)
	return nil
}

func (f *testFile) Sync(SyncFlag) error { return nil }

func (f *testFile) Size() (int64, error) {
	f.vfs.mu.Lock()
	defer f.vfs.mu.Unlock()
	return int64(len(f.vfs.files[f.name])), nil
}

func (f *testFile) Close() error {
	f.vfs.maybePanic(opClose)
	return nil
}

func (f *testFile) Pragma(p Pragma) PragmaOutcome {
	if p.Name == "who" {
		return PragmaValue("file")
	}
	return PragmaUnhandled()
}

// registerTest registers v with a fake host under a unique name
func registerTest(t *testing.T, v VFS) (*descriptor, *fakeAPI) {
	t.Helper()
	api := newFakeAPI()
	tls := libc.NewTLS()
	defer tls.Close()
	name := "test-" + uuid.NewString()
	_, err := register(tls, api, name, v, RegisterOpts{})
	require.NoError(t, err)
	registrations.RLock()
	d := registrations.byName[name]
	registrations.RUnlock()
	require.NotNil(t, d)
	return d, api
}

// testTLS returns a tls closed on test cleanup
func testTLS(t *testing.T) *libc.TLS {
	tls := libc.NewTLS()
	t.Cleanup(tls.Close)
	return tls
}

// cAlloc returns n bytes of zeroed C memory freed on test cleanup
func cAlloc(t *testing.T, tls *libc.TLS, n int) uintptr {
	p := libc.Xcalloc(tls, 1, libc.Tsize_t(n))
	require.NotZero(t, p)
	t.Cleanup(func() { libc.Xfree(tls, p) })
	return p
}

// cStr returns a C copy of s freed on test cleanup
func cStr(t *testing.T, tls *libc.TLS, s string) uintptr {
	p, err := libc.CString(s)
	require.NoError(t, err)
	t.Cleanup(func() { libc.Xfree(tls, p) })
	return p
}

// openFile opens name through the bridge the way the host does and returns the file pointer
func openFile(t *testing.T, tls *libc.TLS, d *descriptor, name string, flags OpenFlag) (pFile uintptr, rc int32) {
	pFile = cAlloc(t, tls, int(unsafe.Sizeof(cFile{})))
	pOut := cAlloc(t, tls, 4)
	var zName uintptr
	if name != "" {
		zName = cStr(t, tls, name)
	}
	rc = vfsOpen(tls, d.cvfs, zName, pFile, int32(flags), pOut)
	if rc == sqlite3.SQLITE_OK {
		require.Equal(t, int32(flags), *(*int32)(unsafe.Pointer(pOut)))
	}
	return pFile, rc
}

func methodsOf(pFile uintptr) uintptr { return (*cFile)(unsafe.Pointer(pFile)).base.FpMethods }

const rwc = OpenReadWrite | OpenCreate | OpenMainDB
