package internal

import (
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConfigPaths(t *testing.T) {
	assert.True(t, strings.HasSuffix(GetConfigPath(), filepath.Join(".guestbridge", "config.json")))
	assert.True(t, strings.HasSuffix(GetDhallConfigPath(), filepath.Join(".guestbridge", "config.dhall")))
}

func TestFormatVersion(t *testing.T) {
	oldVersion, oldCommit := version, gitCommit
	t.Cleanup(func() { version, gitCommit = oldVersion, oldCommit })

	version, gitCommit = "1.2.0", ""
	assert.Equal(t, "1.2.0", FormatVersion())

	gitCommit = "abc123"
	assert.Equal(t, "1.2.0 (git: abc123)", FormatVersion())
	assert.Equal(t, "1.2.0", GetVersion())
}

func TestFormatBuildInfo(t *testing.T) {
	oldGo := goVersion
	t.Cleanup(func() { goVersion = oldGo })

	goVersion = ""
	_, goVer := FormatBuildInfo()
	assert.Equal(t, runtime.Version(), goVer)
}
