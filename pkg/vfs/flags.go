package vfs

import (
	"fmt"
	"strings"

	sqlite3 "modernc.org/sqlite/lib"

	"github.com/umputun/sqlvfs/pkg/lock"
)

// OpenFlag is the set of flags passed by the host to Open
type OpenFlag int32

// open flags, values match SQLITE_OPEN_*
const (
	OpenReadOnly      OpenFlag = sqlite3.SQLITE_OPEN_READONLY
	OpenReadWrite     OpenFlag = sqlite3.SQLITE_OPEN_READWRITE
	OpenCreate        OpenFlag = sqlite3.SQLITE_OPEN_CREATE
	OpenDeleteOnClose OpenFlag = sqlite3.SQLITE_OPEN_DELETEONCLOSE
	OpenExclusive     OpenFlag = sqlite3.SQLITE_OPEN_EXCLUSIVE
	OpenAutoProxy     OpenFlag = sqlite3.SQLITE_OPEN_AUTOPROXY
	OpenURI           OpenFlag = sqlite3.SQLITE_OPEN_URI
	OpenMemory        OpenFlag = sqlite3.SQLITE_OPEN_MEMORY
	OpenMainDB        OpenFlag = sqlite3.SQLITE_OPEN_MAIN_DB
	OpenTempDB        OpenFlag = sqlite3.SQLITE_OPEN_TEMP_DB
	OpenTransientDB   OpenFlag = sqlite3.SQLITE_OPEN_TRANSIENT_DB
	OpenMainJournal   OpenFlag = sqlite3.SQLITE_OPEN_MAIN_JOURNAL
	OpenTempJournal   OpenFlag = sqlite3.SQLITE_OPEN_TEMP_JOURNAL
	OpenSubJournal    OpenFlag = sqlite3.SQLITE_OPEN_SUBJOURNAL
	OpenSuperJournal  OpenFlag = sqlite3.SQLITE_OPEN_SUPER_JOURNAL
	OpenNoMutex       OpenFlag = sqlite3.SQLITE_OPEN_NOMUTEX
	OpenFullMutex     OpenFlag = sqlite3.SQLITE_OPEN_FULLMUTEX
	OpenSharedCache   OpenFlag = sqlite3.SQLITE_OPEN_SHAREDCACHE
	OpenPrivateCache  OpenFlag = sqlite3.SQLITE_OPEN_PRIVATECACHE
	OpenWAL           OpenFlag = sqlite3.SQLITE_OPEN_WAL
	OpenNoFollow      OpenFlag = sqlite3.SQLITE_OPEN_NOFOLLOW
)

// OpenKind is the role of an opened file
type OpenKind int

// enum of file roles
const (
	KindUnknown OpenKind = iota
	KindMainDB
	KindMainJournal
	KindTempDB
	KindTempJournal
	KindTransientDB
	KindSubJournal
	KindSuperJournal
	KindWAL
)

var kindNames = map[OpenKind]string{
	KindUnknown: "unknown", KindMainDB: "main-db", KindMainJournal: "main-journal", KindTempDB: "temp-db",
	KindTempJournal: "temp-journal", KindTransientDB: "transient-db", KindSubJournal: "sub-journal",
	KindSuperJournal: "super-journal", KindWAL: "wal",
}

func (k OpenKind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// OpenMode is the access mode requested on open
type OpenMode int

// enum of open modes
const (
	ModeReadOnly OpenMode = iota
	ModeReadWrite
	ModeCreate     // read-write, create if missing
	ModeMustCreate // read-write, fail if exists
)

func (m OpenMode) String() string {
	switch m {
	case ModeReadOnly:
		return "ro"
	case ModeReadWrite:
		return "rw"
	case ModeCreate:
		return "rwc"
	case ModeMustCreate:
		return "rwcx"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// Kind returns the file role encoded in flags
func (f OpenFlag) Kind() OpenKind {
	switch {
	case f&OpenMainDB != 0:
		return KindMainDB
	case f&OpenMainJournal != 0:
		return KindMainJournal
	case f&OpenTempDB != 0:
		return KindTempDB
	case f&OpenTempJournal != 0:
		return KindTempJournal
	case f&OpenTransientDB != 0:
		return KindTransientDB
	case f&OpenSubJournal != 0:
		return KindSubJournal
	case f&OpenSuperJournal != 0:
		return KindSuperJournal
	case f&OpenWAL != 0:
		return KindWAL
	}
	return KindUnknown
}

// Mode returns the access mode encoded in flags
func (f OpenFlag) Mode() OpenMode {
	switch {
	case f&OpenReadWrite == 0:
		return ModeReadOnly
	case f&OpenCreate != 0 && f&OpenExclusive != 0:
		return ModeMustCreate
	case f&OpenCreate != 0:
		return ModeCreate
	}
	return ModeReadWrite
}

// DeleteOnClose reports whether the file must be removed when closed
func (f OpenFlag) DeleteOnClose() bool { return f&OpenDeleteOnClose != 0 }

// ReadOnly reports whether the file was opened read-only
func (f OpenFlag) ReadOnly() bool { return f.Mode() == ModeReadOnly }

func (f OpenFlag) String() string {
	res := []string{f.Kind().String(), f.Mode().String()}
	if f.DeleteOnClose() {
		res = append(res, "delete-on-close")
	}
	return strings.Join(res, "|")
}

// AccessFlag is the kind of check requested by Access
type AccessFlag int32

// access flags, values match SQLITE_ACCESS_*
const (
	AccessExists    AccessFlag = sqlite3.SQLITE_ACCESS_EXISTS
	AccessReadWrite AccessFlag = sqlite3.SQLITE_ACCESS_READWRITE
	AccessRead      AccessFlag = sqlite3.SQLITE_ACCESS_READ
)

func (a AccessFlag) String() string {
	switch a {
	case AccessExists:
		return "exists"
	case AccessReadWrite:
		return "readwrite"
	case AccessRead:
		return "read"
	default:
		return fmt.Sprintf("access(%d)", int32(a))
	}
}

// SyncFlag is the set of flags passed to File.Sync
type SyncFlag int32

// sync flags, values match SQLITE_SYNC_*
const (
	SyncNormal   SyncFlag = sqlite3.SQLITE_SYNC_NORMAL
	SyncFull     SyncFlag = sqlite3.SQLITE_SYNC_FULL
	SyncDataOnly SyncFlag = sqlite3.SQLITE_SYNC_DATAONLY
)

// Full reports whether a full (F_FULLFSYNC style) sync was requested
func (s SyncFlag) Full() bool { return s&0x0f == SyncFull }

// DataOnly reports whether only file data, not metadata, needs syncing
func (s SyncFlag) DataOnly() bool { return s&SyncDataOnly != 0 }

// DeviceCharacteristic is a bit-set of IOCAP capabilities reported for a file
type DeviceCharacteristic int32

// device characteristics, values match SQLITE_IOCAP_*
const (
	IOCapAtomic              DeviceCharacteristic = sqlite3.SQLITE_IOCAP_ATOMIC
	IOCapAtomic512           DeviceCharacteristic = sqlite3.SQLITE_IOCAP_ATOMIC512
	IOCapAtomic1K            DeviceCharacteristic = sqlite3.SQLITE_IOCAP_ATOMIC1K
	IOCapAtomic2K            DeviceCharacteristic = sqlite3.SQLITE_IOCAP_ATOMIC2K
	IOCapAtomic4K            DeviceCharacteristic = sqlite3.SQLITE_IOCAP_ATOMIC4K
	IOCapAtomic8K            DeviceCharacteristic = sqlite3.SQLITE_IOCAP_ATOMIC8K
	IOCapAtomic16K           DeviceCharacteristic = sqlite3.SQLITE_IOCAP_ATOMIC16K
	IOCapAtomic32K           DeviceCharacteristic = sqlite3.SQLITE_IOCAP_ATOMIC32K
	IOCapAtomic64K           DeviceCharacteristic = sqlite3.SQLITE_IOCAP_ATOMIC64K
	IOCapSafeAppend          DeviceCharacteristic = sqlite3.SQLITE_IOCAP_SAFE_APPEND
	IOCapSequential          DeviceCharacteristic = sqlite3.SQLITE_IOCAP_SEQUENTIAL
	IOCapUndeletableWhenOpen DeviceCharacteristic = sqlite3.SQLITE_IOCAP_UNDELETABLE_WHEN_OPEN
	IOCapPowersafeOverwrite  DeviceCharacteristic = sqlite3.SQLITE_IOCAP_POWERSAFE_OVERWRITE
	IOCapImmutable           DeviceCharacteristic = sqlite3.SQLITE_IOCAP_IMMUTABLE
	IOCapBatchAtomic         DeviceCharacteristic = sqlite3.SQLITE_IOCAP_BATCH_ATOMIC
)

// defaults reported for files not implementing SectorSizer or Characteristics
const (
	DefaultSectorSize      = 4096
	DefaultCharacteristics = IOCapAtomic | IOCapPowersafeOverwrite | IOCapSafeAppend | IOCapSequential
)

// LockLevel is the lock level requested by the host, see lock.Level
type LockLevel = lock.Level

// lock levels, values match SQLITE_LOCK_*
const (
	LockNone      = lock.None
	LockShared    = lock.Shared
	LockReserved  = lock.Reserved
	LockPending   = lock.Pending
	LockExclusive = lock.Exclusive
)
