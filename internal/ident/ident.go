// Package ident generates the stable identifiers used as persistence keys
// across the system. Every id has the form <kind>_<timestamp>_<random> so
// records sort chronologically per kind and stay unique across restarts.
package ident

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Record kinds used as id prefixes.
const (
	KindBackup       = "backup"
	KindBackupJob    = "bkjob"
	KindSchedule     = "schedule"
	KindReplication  = "replication"
	KindRecoveryTest = "rectest"
	KindRestore      = "restore"
	KindAlert        = "alert"
	KindRecoveryRun  = "drrun"
)

// New returns an id of the form <kind>_<unix-milli>_<8 hex chars>.
func New(kind string, now time.Time) string {
	suffix := strings.ReplaceAll(uuid.New().String(), "-", "")[:8]
	return fmt.Sprintf("%s_%d_%s", kind, now.UnixMilli(), suffix)
}

// Parse splits an id into its kind and creation timestamp. The random suffix
// is validated for presence but not returned.
func Parse(id string) (string, time.Time, error) {
	parts := strings.Split(id, "_")
	if len(parts) < 3 {
		return "", time.Time{}, fmt.Errorf("malformed id %q", id)
	}
	millis, err := strconv.ParseInt(parts[len(parts)-2], 10, 64)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("malformed id timestamp in %q: %w", id, err)
	}
	kind := strings.Join(parts[:len(parts)-2], "_")
	return kind, time.UnixMilli(millis).UTC(), nil
}

// KindOf returns the kind prefix of an id, or an empty string when the id is
// malformed.
func KindOf(id string) string {
	kind, _, err := Parse(id)
	if err != nil {
		return ""
	}
	return kind
}
