package metrics

import (
	"strings"
	"testing"

	"github.com/fwlab/fact/common/config"
	"github.com/stretchr/testify/assert"
)

func TestParseMemTotal(t *testing.T) {
	meminfo := "MemTotal:       16314208 kB\nMemFree:         1234 kB\n"
	assert.Equal(t, uint64(15931), parseMemTotal(strings.NewReader(meminfo)))
	assert.Zero(t, parseMemTotal(strings.NewReader("garbage")))
}

func TestUnpackWarnings(t *testing.T) {
	h := &Host{CPUs: 2, TotalMemoryMB: 1024}

	assert.Empty(t, h.UnpackWarnings(config.UnpackConfig{MemoryLimitMB: 512, Threads: 4}))

	warnings := h.UnpackWarnings(config.UnpackConfig{MemoryLimitMB: 2048, Threads: 16})
	assert.Len(t, warnings, 2)
	assert.Contains(t, warnings[0], "2048 MB")

	unknown := &Host{}
	assert.Empty(t, unknown.UnpackWarnings(config.UnpackConfig{MemoryLimitMB: 2048, Threads: 16}))
}

func TestCaptureHost(t *testing.T) {
	h := CaptureHost()
	assert.NotEmpty(t, h.OS)
	assert.Positive(t, h.CPUs)
}
