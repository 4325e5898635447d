package utils

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSanitizeFileName(t *testing.T) {
	assert.Equal(t, "a_b_c", SanitizeFileName(`a/b\c`))
	assert.Equal(t, "what_ why_", SanitizeFileName(`what? why*`))
	assert.Equal(t, "left right", SanitizeFileName("  left \t right  "))
	assert.Equal(t, "_____", SanitizeFileName(`<>:"|`))
	assert.Equal(t, "plain name", SanitizeFileName("plain name"))
}

func TestFileExists(t *testing.T) {
	dir := t.TempDir()

	missing := filepath.Join(dir, "missing.mp3")
	assert.False(t, FileExists(missing, 1))
	assert.False(t, FileExists("", 1))

	small := filepath.Join(dir, "small.mp3")
	require.NoError(t, os.WriteFile(small, make([]byte, 100), 0644))
	assert.True(t, FileExists(small, 1))
	assert.False(t, FileExists(small, 10_000))
}

func TestStatMany(t *testing.T) {
	dir := t.TempDir()

	exists := filepath.Join(dir, "a.mp3")
	require.NoError(t, os.WriteFile(exists, []byte("data"), 0644))

	results := StatMany([]string{
		exists,
		filepath.Join(dir, "missing.mp3"),
		"",
		exists,
	}, 1)

	assert.Equal(t, []bool{true, false, false, true}, results)

	// 体积下限过滤掉残留小文件
	results = StatMany([]string{exists}, 10_000)
	assert.Equal(t, []bool{false}, results)
}
