package version

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestVersionInfo(t *testing.T) {
	assert.Equal(t, "uartx", VersionInfo.Application)
	assert.Equal(t, defaultVersionString, VersionInfo.VersionString)
	assert.Contains(t, VersionInfo.String(), "uartx Version: 0.0.0-git")
	assert.Same(t, VersionInfo, VersionInfo.Data())
}
