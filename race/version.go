package race

import "github.com/kolkov/raceinstr/internal/suppress"

// Version information for the race annotation runtime.
const (
	// Version is the current version of the annotation runtime.
	Version = "0.2.0"

	// VersionMajor is the major version number.
	VersionMajor = 0

	// VersionMinor is the minor version number.
	VersionMinor = 2

	// VersionPatch is the patch version number.
	VersionPatch = 0
)

// Info provides runtime information about the annotation registry.
type Info struct {
	// Version is the runtime version string.
	Version string `json:"version" yaml:"version"`

	// Algorithm names how reports are matched against declarations.
	Algorithm string `json:"algorithm" yaml:"algorithm"`

	// Enabled indicates whether annotations are currently honoured.
	// False before Init.
	Enabled bool `json:"enabled" yaml:"enabled"`

	// Declared is the number of distinct benign ranges.
	Declared int `json:"declared" yaml:"declared"`
}

// GetInfo returns information about the annotation runtime.
//
// Example:
//
//	info := race.GetInfo()
//	fmt.Printf("racedetector %s (%s)\n", info.Version, info.Algorithm)
func GetInfo() Info {
	info := Info{
		Version:   Version,
		Algorithm: "half-open range overlap, most recent declaration first",
	}
	if r := suppress.Current(); r != nil {
		info.Enabled = r.AnnotationsEnabled()
		info.Declared = r.Len()
	}
	return info
}
