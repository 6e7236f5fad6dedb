package fsutil

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAtomicWrite(t *testing.T) {
	tmpDir := t.TempDir()

	tests := []struct {
		name     string
		path     string
		existing []byte
		data     []byte
	}{
		{"new file", filepath.Join(tmpDir, "new.txt"), nil, []byte("hello world")},
		{"overwrite", filepath.Join(tmpDir, "existing.txt"), []byte("original"), []byte("updated content")},
		{"empty file", filepath.Join(tmpDir, "empty.txt"), nil, []byte{}},
		{"nested directory", filepath.Join(tmpDir, "nested", "deep", "file.txt"), nil, []byte("nested content")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.existing != nil {
				require.NoError(t, os.WriteFile(tt.path, tt.existing, 0600))
			}

			require.NoError(t, AtomicWrite(tt.path, tt.data))

			got, err := os.ReadFile(tt.path)
			require.NoError(t, err)
			assert.Equal(t, string(tt.data), string(got))

			info, err := os.Stat(tt.path)
			require.NoError(t, err)
			if tt.existing == nil {
				assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
			}
		})
	}
}

func TestAtomicWriteJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")

	require.NoError(t, AtomicWriteJSON(path, map[string]any{"version": "1.0", "log_level": "info"}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(string(data), "}\n"))
	assert.Contains(t, string(data), "\n  \"log_level\"", "output is indented")

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "1.0", decoded["version"])

	assert.Error(t, AtomicWriteJSON(path, nil))
	assert.Error(t, AtomicWriteJSON(path, make(chan int)))
}

func TestAtomicWriteNoTempFilesLeft(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "file.txt")

	for i := 0; i < 5; i++ {
		require.NoError(t, AtomicWrite(path, []byte(fmt.Sprintf("v%d", i))))
	}

	entries, err := os.ReadDir(tmpDir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "file.txt", entries[0].Name())
}

func TestAtomicWriteConcurrency(t *testing.T) {
	path := filepath.Join(t.TempDir(), "concurrent.txt")

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			assert.NoError(t, AtomicWrite(path, []byte(fmt.Sprintf("writer-%02d", n))))
		}(i)
	}
	wg.Wait()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Regexp(t, `^writer-\d{2}$`, string(data), "the file holds exactly one complete write")
}
