package utils

import (
	"path/filepath"
)

// FixupPathIfRelative resolves p against the directory holding rel, the
// usual case being a path from a config file which is interpreted relative
// to that file. Absolute paths and the empty string come back unchanged.
func FixupPathIfRelative(p string, rel string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(filepath.Dir(rel), p)
}
