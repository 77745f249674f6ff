package agency

import "path/filepath"

var (
	// Version is the version as described by git.
	Version string

	// ShortName is used as a prefix to binary file names.
	ShortName string

	// LongName is used in file and directory names.
	LongName string

	// BrandName is a long-form description.
	BrandName string

	// ClientIDPrefix is prepended to the random MQTT client ID when no client
	// ID is configured.
	ClientIDPrefix string
)

// Installation directory prefix and paths. Values are specified by compile-time
// substitution values, and are then set to sane defaults at runtime if the
// value is a zero-value string.
var (
	PrefixDir     string
	BinDir        string
	SbinDir       string
	DataDir       string
	SysconfDir    string
	LocalstateDir string
)

func init() {
	if PrefixDir == "" {
		PrefixDir = "/usr/local"
	}
	if BinDir == "" {
		BinDir = filepath.Join(PrefixDir, "bin")
	}
	if SbinDir == "" {
		SbinDir = filepath.Join(PrefixDir, "sbin")
	}
	if DataDir == "" {
		DataDir = filepath.Join(PrefixDir, "share")
	}
	if SysconfDir == "" {
		SysconfDir = filepath.Join(PrefixDir, "etc")
	}
	if LocalstateDir == "" {
		LocalstateDir = filepath.Join(PrefixDir, "var")
	}

	if Version == "" {
		Version = "0.0.0-devel"
	}
	if ShortName == "" {
		ShortName = "agency"
	}
	if LongName == "" {
		LongName = "secondary-agency"
	}
	if BrandName == "" {
		BrandName = "Secondary Agency"
	}
	if ClientIDPrefix == "" {
		ClientIDPrefix = "secondaryAgency"
	}
}
