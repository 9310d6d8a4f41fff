package util

import (
	"time"

	log "github.com/nghyane/qwen-proxy/internal/logging"
)

// LoadLocation resolves an IANA timezone name, falling back to UTC when the
// name is empty or unknown.
func LoadLocation(name string) *time.Location {
	if name == "" || name == "UTC" {
		return time.UTC
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		log.Warnf("unknown timezone %q, falling back to UTC: %v", name, err)
		return time.UTC
	}
	return loc
}

// NowMillis returns the current time as unix epoch milliseconds.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}

// LocalTodayISO returns today's date in the given location as YYYY-MM-DD.
func LocalTodayISO(loc *time.Location) string {
	return time.Now().In(loc).Format("2006-01-02")
}

// FormatMillis renders an epoch-milliseconds timestamp in the given
// location as "2006-01-02 15:04:05". Zero renders as the empty string.
func FormatMillis(ms int64, loc *time.Location) string {
	if ms == 0 {
		return ""
	}
	return time.UnixMilli(ms).In(loc).Format("2006-01-02 15:04:05")
}
