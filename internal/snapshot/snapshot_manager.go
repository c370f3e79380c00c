package snapshot

// ============================================================================
// 職責說明：
// 1. 將控制器的狀態報告序列化為 JSON 檔
// 2. 使用原子性寫入（temp file + rename）防止讀到寫一半的檔案
// 3. 載入時驗證 schema 版本相容性
// 4. 供 `beaver-alloc status` 在另一個行程中讀取
// ============================================================================

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/ChuLiYu/beaver-alloc/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	ErrCorruptedSnapshot   = errors.New("status file is corrupted")
	ErrIncompatibleVersion = errors.New("status schema version is incompatible")
	ErrSnapshotNotFound    = errors.New("status file not found")
)

// schemaVer 目前的狀態檔版本
const schemaVer = 1

// Manager 狀態檔管理器，實作 controller.StatusSink
type Manager struct {
	path string     // 狀態檔路徑
	mu   sync.Mutex // 保護檔案操作
}

// NewManager 建立狀態檔管理器實例
func NewManager(path string) *Manager {
	return &Manager{
		path: path,
	}
}

// Write 原子性寫入狀態報告
//
// 使用原子性寫入流程：
// 1. 寫入同目錄的臨時檔案（.tmp）
// 2. 使用 os.Rename 原子性替換原始檔案
//
// 參數：
//   - status: 控制器的狀態報告
//
// 返回值：
//   - error: 寫入失敗時的錯誤
func (m *Manager) Write(status types.AllocationStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	status.SchemaVer = schemaVer

	jsonBytes, err := json.MarshalIndent(status, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal status: %w", err)
	}

	if dir := filepath.Dir(m.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create status dir: %w", err)
		}
	}

	tmpPath := m.path + ".tmp"
	if err := os.WriteFile(tmpPath, jsonBytes, 0o644); err != nil {
		return fmt.Errorf("failed to write temp status: %w", err)
	}

	if err := os.Rename(tmpPath, m.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename status: %w", err)
	}

	return nil
}

// Load 載入狀態報告
//
// 返回值：
//   - types.AllocationStatus: 狀態報告
//   - error: 檔案不存在（ErrSnapshotNotFound）、損壞或版本不相容
func (m *Manager) Load() (types.AllocationStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var status types.AllocationStatus

	jsonBytes, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return status, fmt.Errorf("%w: %s", ErrSnapshotNotFound, m.path)
		}
		return status, fmt.Errorf("failed to read status: %w", err)
	}

	if err := json.Unmarshal(jsonBytes, &status); err != nil {
		return status, fmt.Errorf("%w: %v", ErrCorruptedSnapshot, err)
	}

	if status.SchemaVer != schemaVer {
		return status, fmt.Errorf("%w: got %d, want %d", ErrIncompatibleVersion, status.SchemaVer, schemaVer)
	}

	return status, nil
}

// Exists 檢查狀態檔是否存在
func (m *Manager) Exists() bool {
	_, err := os.Stat(m.path)
	return err == nil
}

// GetPath 取得狀態檔路徑（用於測試與除錯）
func (m *Manager) GetPath() string {
	return m.path
}
