package proxy

import (
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestConfigWatcher(t *testing.T) {
	t.Run("detects file change", func(t *testing.T) {
		tmpDir := t.TempDir()
		configPath := filepath.Join(tmpDir, "config.yaml")

		err := os.WriteFile(configPath, []byte("listen: :11434\n"), 0644)
		assert.NoError(t, err)

		var reloadCount atomic.Int32
		onReload := func(path string) {
			reloadCount.Add(1)
		}

		watcher, err := newConfigWatcher(configPath, 50*time.Millisecond, onReload)
		assert.NoError(t, err)
		defer watcher.stop()

		time.Sleep(100 * time.Millisecond) // let watcher start

		err = os.WriteFile(configPath, []byte("listen: :11435\n"), 0644)
		assert.NoError(t, err)

		time.Sleep(200 * time.Millisecond)
		assert.Equal(t, int32(1), reloadCount.Load())
	})

	t.Run("stop prevents further reloads", func(t *testing.T) {
		tmpDir := t.TempDir()
		configPath := filepath.Join(tmpDir, "config.yaml")
		assert.NoError(t, os.WriteFile(configPath, []byte("listen: :11434\n"), 0644))

		var reloadCount atomic.Int32
		watcher, err := newConfigWatcher(configPath, 50*time.Millisecond, func(string) {
			reloadCount.Add(1)
		})
		assert.NoError(t, err)

		watcher.stop()
		time.Sleep(50 * time.Millisecond)
		assert.NoError(t, os.WriteFile(configPath, []byte("listen: :11436\n"), 0644))
		time.Sleep(150 * time.Millisecond)
		assert.Equal(t, int32(0), reloadCount.Load())
	})
}
