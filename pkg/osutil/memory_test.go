package osutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestReadMemoryLimit(t *testing.T) {
	dir := t.TempDir()
	write := func(name, contents string) string {
		path := filepath.Join(dir, name)
		assert.NoError(t, os.WriteFile(path, []byte(contents), 0600))
		return path
	}

	limit, ok := readMemoryLimit(write("v2", "536870912\n"))
	assert.True(t, ok)
	assert.EqualValues(t, 536870912, limit)

	_, ok = readMemoryLimit(write("unlimited", "max\n"))
	assert.False(t, ok)

	_, ok = readMemoryLimit(write("garbage", "lots"))
	assert.False(t, ok)

	_, ok = readMemoryLimit(filepath.Join(dir, "missing"))
	assert.False(t, ok)
}

func TestMinMemory(t *testing.T) {
	assert.EqualValues(t, 100, minMemory(200, 100))
	assert.EqualValues(t, 200, minMemory(200, 9223372036854771712))
	assert.EqualValues(t, 100, minMemory(0, 100))
}

func TestGetTotalMemory(t *testing.T) {
	assert.NotZero(t, GetTotalMemory())
}
