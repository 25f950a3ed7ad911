package version

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGetInfo(t *testing.T) {
	Version, Channel = "1.2.0", "beta"
	t.Cleanup(func() { Version, Channel = "", "" })

	info := GetInfo()
	assert.Equal(t, "1.2.0", info.Version)
	assert.Equal(t, "1.2.0-beta", info.String())
}

func TestGetInfo_Defaults(t *testing.T) {
	info := GetInfo()
	assert.NotEmpty(t, info.Version)
	assert.Equal(t, "local", info.Channel)
}
