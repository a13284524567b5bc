// SPDX-License-Identifier: MPL-2.0

package config

// configDirOverride lets tests bypass os.UserHomeDir, which does not honor
// HOME reliably on every platform.
var configDirOverride string

// Reset clears test overrides.
func Reset() {
	configDirOverride = ""
}

// SetConfigDirOverride pins ConfigDir to dir. Intended for tests.
func SetConfigDirOverride(dir string) {
	configDirOverride = dir
}
