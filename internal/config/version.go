package config

import "fmt"

// CurrentVersion is the configuration format this build writes and reads.
// An absent version key is treated as current.
const CurrentVersion = 1

// VersionError reports a configuration file written for a different format
// version than this build understands.
type VersionError struct {
	Version int
	Current int
}

func (e *VersionError) Error() string {
	if e.Version > e.Current {
		return fmt.Sprintf("config version %d is newer than this build (current: %d); upgrade turnstone", e.Version, e.Current)
	}
	return fmt.Sprintf("config version %d is unsupported (current: %d); run `turnstone doctor`", e.Version, e.Current)
}

// ValidateVersion checks that version names a format this build can read.
func ValidateVersion(version int) error {
	if version == CurrentVersion {
		return nil
	}
	return &VersionError{Version: version, Current: CurrentVersion}
}
