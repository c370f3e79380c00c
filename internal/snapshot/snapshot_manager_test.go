package snapshot

// ============================================================================
// Snapshot Manager 測試檔案
// 職責：驗證狀態檔的原子性寫入、載入、版本驗證與錯誤處理
// ============================================================================

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/beaver-alloc/pkg/types"
)

func sampleStatus() types.AllocationStatus {
	return types.AllocationStatus{
		Initializing: false,
		GeneratedAt:  time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		Classes: []types.ClassStatus{
			{ResourceClass: types.DefaultResourceClass, Target: 4, AddStep: 2, MaxNeeded: 6, Executors: 3, PendingTasks: 2, RunningTasks: 4, AddArmed: true},
			{ResourceClass: "gpu", Target: 1, AddStep: 1, Executors: 1, PendingRemoval: 1},
		},
	}
}

// TestNewManager 測試建立管理器
func TestNewManager(t *testing.T) {
	manager := NewManager("status.json")
	assert.NotNil(t, manager)
	assert.Equal(t, "status.json", manager.GetPath())
}

// TestWriteAndLoad 測試寫入與載入
func TestWriteAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "status.json")
	manager := NewManager(path)

	original := sampleStatus()
	require.NoError(t, manager.Write(original))
	assert.True(t, manager.Exists())

	loaded, err := manager.Load()
	require.NoError(t, err)

	original.SchemaVer = schemaVer
	assert.Equal(t, original, loaded)

	// 臨時檔案不應殘留
	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))
}

// TestWriteCreatesDirectory 測試自動建立目錄
func TestWriteCreatesDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "status.json")
	manager := NewManager(path)

	require.NoError(t, manager.Write(sampleStatus()))
	assert.True(t, manager.Exists())
}

// TestLoadMissingFile 測試檔案不存在
func TestLoadMissingFile(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "missing.json"))

	_, err := manager.Load()
	assert.ErrorIs(t, err, ErrSnapshotNotFound)
	assert.False(t, manager.Exists())
}

// TestLoadCorruptedFile 測試損壞的檔案
func TestLoadCorruptedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "status.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	_, err := NewManager(path).Load()
	assert.ErrorIs(t, err, ErrCorruptedSnapshot)
}

// TestLoadIncompatibleVersion 測試版本不相容
func TestLoadIncompatibleVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "status.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"schema_ver": 99}`), 0o644))

	_, err := NewManager(path).Load()
	assert.ErrorIs(t, err, ErrIncompatibleVersion)
}

// TestConcurrentWrites 測試並發寫入後檔案仍可讀
func TestConcurrentWrites(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "status.json"))

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			status := sampleStatus()
			status.Classes[0].Target = i
			assert.NoError(t, manager.Write(status), fmt.Sprintf("write %d", i))
		}(i)
	}
	wg.Wait()

	loaded, err := manager.Load()
	require.NoError(t, err)
	assert.Len(t, loaded.Classes, 2)
}
