package vfs

import (
	"math"
	"time"
	"unsafe"

	"modernc.org/libc"
	sqlite3 "modernc.org/sqlite/lib"
)

const (
	msPerDay          = 86400000.0
	julianUnixEpoch   = 2440587.5       // julian day of 1970-01-01
	julianUnixEpochMs = 210866760000000 // julianUnixEpoch in milliseconds
)

// Services exposes OS services of the host's default VFS, so implementors get the same
// randomness, time and sleep the host would use.
type Services struct {
	base uintptr
}

// Randomness returns n random bytes from the host
func (s *Services) Randomness(n int) []byte {
	if n <= 0 {
		return nil
	}
	tls := libc.NewTLS()
	defer tls.Close()
	bp := tls.Alloc(n)
	defer tls.Free(n)
	got := callRandomness(tls, s.base, int32(n), bp)
	res := make([]byte, n)
	copy(res, goBytes(bp, max(0, min(n, int(got)))))
	return res
}

// Sleep suspends the caller for at least d and returns the time the host reports as slept
func (s *Services) Sleep(d time.Duration) time.Duration {
	tls := libc.NewTLS()
	defer tls.Close()
	micro := callSleep(tls, s.base, toMicro(d))
	return time.Duration(micro) * time.Microsecond
}

// toMicro converts d to the microseconds the host sleep takes, clamped to 0..MaxInt32
func toMicro(d time.Duration) int32 {
	return int32(min(max(d/time.Microsecond, 0), math.MaxInt32))
}

// CurrentTime returns the host's current time with millisecond precision
func (s *Services) CurrentTime() time.Time {
	tls := libc.NewTLS()
	defer tls.Close()
	bp := tls.Alloc(8)
	defer tls.Free(8)
	if rc := callCurrentTimeInt64(tls, s.base, bp); rc != sqlite3.SQLITE_OK {
		return time.Now()
	}
	return fromJulianMs(*(*int64)(unsafe.Pointer(bp)))
}

// fromJulianMs converts milliseconds since the julian epoch to time
func fromJulianMs(ms int64) time.Time {
	return time.UnixMilli(ms - julianUnixEpochMs)
}

// toJulianMs converts time to milliseconds since the julian epoch
func toJulianMs(t time.Time) int64 {
	return t.UnixMilli() + julianUnixEpochMs
}

// toJulianDay converts time to a fractional julian day
func toJulianDay(t time.Time) float64 {
	return float64(t.UnixMilli())/msPerDay + julianUnixEpoch
}
