package models

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Version ids are "<device_id>:v<stamp>" where the stamp is either the fixed
// seed "1.0" or a UTC timestamp at microsecond resolution. Ids for one device
// sort lexicographically in commit order; a zero-padded "-NNNN" suffix
// disambiguates commits that land on the same microsecond, keeping string
// order aligned with commit order through four digits of collisions.
const (
	versionSep       = ":"
	seedStamp        = "1.0"
	versionTimestamp = "20060102T150405.000000"
	counterWidth     = 4
)

// SeedVersionID returns the version id of a device's initial firmware
func SeedVersionID(deviceID string) string {
	return deviceID + versionSep + "v" + seedStamp
}

// NewVersionID builds a version id for a commit at the given instant
func NewVersionID(deviceID string, at time.Time) string {
	return deviceID + versionSep + "v" + at.UTC().Format(versionTimestamp)
}

// NextVersionID builds the version id that follows prev for the same device.
// When the clock lands on (or behind) prev's microsecond, the previous stamp
// is reused with an incremented disambiguation counter so ids stay unique and
// sortable.
func NextVersionID(deviceID, prev string, at time.Time) string {
	candidate := NewVersionID(deviceID, at)
	prevStamp, ok := versionStamp(prev)
	if !ok || prevStamp == seedStamp {
		return candidate
	}

	base, counter := splitCounter(prevStamp)
	candStamp, _ := versionStamp(candidate)
	if candStamp > base {
		return candidate
	}
	return deviceID + versionSep + "v" + base + fmt.Sprintf("-%0*d", counterWidth, counter+1)
}

// VersionDevice extracts the device id from a version id
func VersionDevice(versionID string) (string, error) {
	idx := strings.LastIndex(versionID, versionSep)
	if idx <= 0 {
		return "", fmt.Errorf("malformed version id: %s", versionID)
	}
	return versionID[:idx], nil
}

// versionStamp returns the stamp portion ("1.0", "20251106T...") of an id
func versionStamp(versionID string) (string, bool) {
	idx := strings.LastIndex(versionID, versionSep)
	if idx < 0 || len(versionID) < idx+3 || versionID[idx+1] != 'v' {
		return "", false
	}
	return versionID[idx+2:], true
}

// splitCounter separates a "-N" disambiguation suffix from a stamp
func splitCounter(stamp string) (string, int) {
	idx := strings.LastIndex(stamp, "-")
	if idx < 0 {
		return stamp, 1
	}
	n, err := strconv.Atoi(stamp[idx+1:])
	if err != nil {
		return stamp, 1
	}
	return stamp[:idx], n
}
