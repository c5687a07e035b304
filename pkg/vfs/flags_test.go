package vfs

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOpenFlag(t *testing.T) {
	tbl := []struct {
		flags OpenFlag
		kind  OpenKind
		mode  OpenMode
		str   string
	}{
		{OpenReadWrite | OpenCreate | OpenMainDB, KindMainDB, ModeCreate, "main-db|rwc"},
		{OpenReadOnly | OpenMainDB, KindMainDB, ModeReadOnly, "main-db|ro"},
		{OpenReadWrite | OpenMainJournal, KindMainJournal, ModeReadWrite, "main-journal|rw"},
		{OpenReadWrite | OpenCreate | OpenExclusive | OpenTempJournal | OpenDeleteOnClose, KindTempJournal, ModeMustCreate,
			"temp-journal|rwcx|delete-on-close"},
		{OpenReadWrite | OpenCreate | OpenWAL, KindWAL, ModeCreate, "wal|rwc"},
		{OpenReadWrite | OpenSubJournal, KindSubJournal, ModeReadWrite, "sub-journal|rw"},
		{OpenReadWrite, KindUnknown, ModeReadWrite, "unknown|rw"},
	}
	for _, tt := range tbl {
		t.Run(tt.str, func(t *testing.T) {
			assert.Equal(t, tt.kind, tt.flags.Kind())
			assert.Equal(t, tt.mode, tt.flags.Mode())
			assert.Equal(t, tt.str, tt.flags.String())
			assert.Equal(t, tt.mode == ModeReadOnly, tt.flags.ReadOnly())
		})
	}
}

func TestSyncFlag(t *testing.T) {
	assert.False(t, SyncNormal.Full())
	assert.True(t, SyncFull.Full())
	assert.True(t, (SyncFull | SyncDataOnly).Full())
	assert.True(t, (SyncNormal | SyncDataOnly).DataOnly())
	assert.False(t, SyncFull.DataOnly())
}

func TestPragmaOutcome(t *testing.T) {
	assert.False(t, PragmaUnhandled().Handled())

	v, ok := PragmaValue("x").Value()
	assert.True(t, ok)
	assert.Equal(t, "x", v)

	_, ok = PragmaOK().Value()
	assert.False(t, ok)
	assert.True(t, PragmaOK().Handled())

	code, msg := PragmaFail(0, "bad %s", "thing").Failure()
	assert.Equal(t, int32(21), code, "OK can't be a failure, replaced by misuse")
	assert.Equal(t, "bad thing", msg)

	assert.Equal(t, "cache_size=10", Pragma{Name: "cache_size", Arg: "10", HasArg: true}.String())
	assert.Equal(t, "cache_size", Pragma{Name: "cache_size"}.String())
}
