package vfs

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/umputun/sqlvfs/pkg/lock"
)

func TestError(t *testing.T) {
	inner := errors.New("disk on fire")
	err := Wrap(KindFull, "write", inner)
	assert.EqualError(t, err, "write: full: disk on fire")
	assert.ErrorIs(t, err, inner)
	assert.Equal(t, KindFull, KindOf(fmt.Errorf("outer: %w", err)))
	assert.NoError(t, Wrap(KindIO, "read", nil))

	assert.EqualError(t, Errorf(KindBusy, "try %d", 2), "busy: try 2")
	assert.Equal(t, "kind(99)", Kind(99).String())
}

func TestKindOf(t *testing.T) {
	tbl := []struct {
		err  error
		kind Kind
	}{
		{errors.New("random"), KindIO},
		{fmt.Errorf("wrapped: %w", lock.ErrBusy), KindBusy},
		{&fs.PathError{Op: "open", Path: "x", Err: fs.ErrNotExist}, KindNotFound},
		{os.ErrPermission, KindPermission},
		{fs.ErrExist, KindCantOpen},
		{Errorf(KindReadOnly, "ro"), KindReadOnly},
	}
	for i, tt := range tbl {
		t.Run(fmt.Sprintf("%d", i), func(t *testing.T) {
			assert.Equal(t, tt.kind, KindOf(tt.err))
		})
	}
}

func TestResultCode(t *testing.T) {
	tbl := []struct {
		op   string
		err  error
		code int32
	}{
		{opRead, nil, sqlite3.SQLITE_OK},
		{opRead, errors.New("boom"), sqlite3.SQLITE_IOERR_READ},
		{opWrite, errors.New("boom"), sqlite3.SQLITE_IOERR_WRITE},
		{opTruncate, errors.New("boom"), sqlite3.SQLITE_IOERR_TRUNCATE},
		{opSync, errors.New("boom"), sqlite3.SQLITE_IOERR_FSYNC},
		{opFileSize, errors.New("boom"), sqlite3.SQLITE_IOERR_FSTAT},
		{opClose, errors.New("boom"), sqlite3.SQLITE_IOERR_CLOSE},
		{opAccess, errors.New("boom"), sqlite3.SQLITE_IOERR_ACCESS},
		{opFullPathname, errors.New("boom"), sqlite3.SQLITE_CANTOPEN_FULLPATH},
		{"other", errors.New("boom"), sqlite3.SQLITE_IOERR},
		{opOpen, fs.ErrNotExist, sqlite3.SQLITE_CANTOPEN},
		{opDelete, fs.ErrNotExist, sqlite3.SQLITE_IOERR_DELETE_NOENT},
		{opRead, fs.ErrNotExist, sqlite3.SQLITE_IOERR_READ},
		{opOpen, fs.ErrPermission, sqlite3.SQLITE_CANTOPEN},
		{opWrite, fs.ErrPermission, sqlite3.SQLITE_PERM},
		{opLock, lock.ErrBusy, sqlite3.SQLITE_BUSY},
		{opWrite, Errorf(KindReadOnly, "ro"), sqlite3.SQLITE_READONLY},
		{opWrite, Errorf(KindFull, "full"), sqlite3.SQLITE_FULL},
		{opRead, Errorf(KindNoMem, "oom"), sqlite3.SQLITE_NOMEM},
		{opRead, Errorf(KindMisuse, "bad"), sqlite3.SQLITE_MISUSE},
		{opRead, Errorf(KindInternal, "bug"), sqlite3.SQLITE_INTERNAL},
		{opOpen, Errorf(KindCantOpen, "no"), sqlite3.SQLITE_CANTOPEN},
		{opFileControl, Errorf(KindUnsupported, "no"), sqlite3.SQLITE_NOTFOUND},
		{opSync, Errorf(KindUnsupported, "no"), sqlite3.SQLITE_IOERR},
		{opWrite, WithCode(sqlite3.SQLITE_IOERR_NOMEM, errors.New("oom")), sqlite3.SQLITE_IOERR_NOMEM},
	}
	for _, tt := range tbl {
		t.Run(fmt.Sprintf("%s %v", tt.op, tt.err), func(t *testing.T) {
			assert.Equal(t, tt.code, resultCode(tt.op, tt.err))
		})
	}
}
