package vfs

import (
	"testing"
	"unsafe"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"modernc.org/libc"
	sqlite3 "modernc.org/sqlite/lib"
)

func TestRegister(t *testing.T) {
	tls := testTLS(t)
	v := newTestVFS()
	api := newFakeAPI()
	name := "reg-" + uuid.NewString()

	lg, err := register(tls, api, name, v, RegisterOpts{})
	require.NoError(t, err)
	require.NotNil(t, lg)
	assert.Equal(t, name, lg.Name())
	assert.Contains(t, Registered(), name)
	assert.Same(t, lg, v.logger, "attached logger is the returned one")
	assert.NotNil(t, v.svc)

	require.Len(t, api.registered, 1)
	cvfs := (*sqlite3.Tsqlite3_vfs)(unsafe.Pointer(api.registered[0]))
	assert.Equal(t, name, libc.GoString(cvfs.FzName))
	assert.Equal(t, int32(2), cvfs.FiVersion)
	assert.Equal(t, int32(MaxPathname), cvfs.FmxPathname)
	assert.NotZero(t, cvfs.FxOpen)
	assert.NotZero(t, cvfs.FxCurrentTimeInt64)

	_, err = register(tls, api, name, newTestVFS(), RegisterOpts{})
	assert.ErrorIs(t, err, ErrExists, "same name twice")
	assert.Len(t, api.registered, 1)
}

func TestRegister_Errors(t *testing.T) {
	tls := testTLS(t)

	t.Run("bad names", func(t *testing.T) {
		_, err := register(tls, newFakeAPI(), "", newTestVFS(), RegisterOpts{})
		assert.ErrorIs(t, err, ErrName)
		_, err = register(tls, newFakeAPI(), "a\x00b", newTestVFS(), RegisterOpts{})
		assert.ErrorIs(t, err, ErrName)
	})

	t.Run("no implementation", func(t *testing.T) {
		_, err := register(tls, newFakeAPI(), "nil-"+uuid.NewString(), nil, RegisterOpts{})
		assert.Error(t, err)
	})

	t.Run("old host", func(t *testing.T) {
		api := newFakeAPI()
		api.version = 3030001
		_, err := register(tls, api, "old-"+uuid.NewString(), newTestVFS(), RegisterOpts{})
		assert.ErrorIs(t, err, ErrVersion)
	})

	t.Run("name known to host", func(t *testing.T) {
		api := newFakeAPI()
		api.known["unix"] = true
		_, err := register(tls, api, "unix", newTestVFS(), RegisterOpts{})
		assert.ErrorIs(t, err, ErrExists)
		assert.NotContains(t, Registered(), "unix")
	})

	t.Run("host rejects", func(t *testing.T) {
		api := newFakeAPI()
		api.registerRC = sqlite3.SQLITE_NOMEM
		name := "rejected-" + uuid.NewString()
		v := newTestVFS()
		_, err := register(tls, api, name, v, RegisterOpts{})
		assert.EqualError(t, err, "can't register vfs \""+name+"\", code 7")
		assert.NotContains(t, Registered(), name)
		assert.Nil(t, v.logger, "not attached when the host rejects")
		assert.Nil(t, v.svc)

		// the name is still free
		api.registerRC = 0
		_, err = register(tls, api, name, newTestVFS(), RegisterOpts{})
		assert.NoError(t, err)
	})
}

func TestRegister_AttachPanic(t *testing.T) {
	tls := testTLS(t)
	api := newFakeAPI()
	name := "attach-" + uuid.NewString()
	v := newTestVFS()
	v.panicOn = opAttach

	var err error
	require.NotPanics(t, func() { _, err = register(tls, api, name, v, RegisterOpts{}) })
	require.Error(t, err)
	assert.Equal(t, KindInternal, KindOf(err))
	assert.Contains(t, err.Error(), "panic in attach: test panic in attach")
	assert.True(t, Poisoned(name))
	require.Len(t, api.registered, 1, "host already knows the vfs")
	assert.Equal(t, int32(sqlite3.SQLITE_ERROR), ExtensionResult(tls, 0, 0, err))

	// the published vfs refuses every call
	rc := vfsDelete(tls, api.registered[0], cStr(t, tls, "x.db"), 0)
	assert.Equal(t, int32(sqlite3.SQLITE_INTERNAL), rc)
	assert.Equal(t, 0, v.deletes)

	_, err = register(tls, api, name, newTestVFS(), RegisterOpts{})
	assert.ErrorIs(t, err, ErrExists)
}

func TestRegisterDynamic_BadRoutines(t *testing.T) {
	tls := testTLS(t)
	_, err := RegisterDynamic(tls, 0, "dyn", newTestVFS(), RegisterOpts{})
	assert.EqualError(t, err, "can't register vfs \"dyn\": no api routines")

	routines := cAlloc(t, tls, int(unsafe.Sizeof(sqlite3.Tsqlite3_api_routines{})))
	_, err = RegisterDynamic(tls, routines, "dyn", newTestVFS(), RegisterOpts{})
	assert.EqualError(t, err, "can't register vfs \"dyn\": incomplete api routines")
}

func TestExtensionResult(t *testing.T) {
	tls := testTLS(t)
	assert.Equal(t, int32(sqlite3.SQLITE_OK), ExtensionResult(tls, 0, 0, nil))
	assert.Equal(t, int32(sqlite3.SQLITE_OK), ExtensionResult(tls, 0, 0, ErrExists))
	assert.Equal(t, int32(sqlite3.SQLITE_ERROR), ExtensionResult(tls, 0, 0, ErrVersion))
}

func TestRegistry(t *testing.T) {
	r := newRegistry()
	v := newTestVFS()
	t1 := r.allocate(&handle{file: &testFile{vfs: v, name: "a"}, name: "a"})
	t2 := r.allocate(&handle{file: &testFile{vfs: v, name: "b"}, name: "b"})
	assert.NotEqual(t, t1, t2)
	assert.Equal(t, []uint64{t1, t2}, r.tokens())

	h, err := r.lookup(t2)
	require.NoError(t, err)
	assert.Equal(t, "b", h.name)

	require.NoError(t, r.release(t1))
	_, err = r.lookup(t1)
	assert.Equal(t, KindMisuse, KindOf(err))
	assert.Equal(t, KindMisuse, KindOf(r.release(t1)))

	t3 := r.allocate(&handle{file: &testFile{vfs: v, name: "a"}, name: "a"})
	assert.Greater(t, t3, t2, "tokens are never reused")
	assert.Equal(t, []uint64{t2, t3}, r.tokens())
}
