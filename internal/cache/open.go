package cache

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/barbell-app/barbell-agent/internal/config"
)

// sqliteFileName 是 sqlite 驱动在 StoragePath 下使用的数据库文件名。
const sqliteFileName = "barbell-agent.db"

// NewStorage 根据配置中的 StorageDriver 构建对应的缓存存储。
func NewStorage(cfg config.GlobalConfig) (Storage, error) {
	switch cfg.StorageDriver {
	case config.StorageDriverFS, "":
		return NewFSStorage(cfg.StoragePath)
	case config.StorageDriverSQLite:
		if err := os.MkdirAll(cfg.StoragePath, 0o755); err != nil {
			return nil, fmt.Errorf("create storage path: %w", err)
		}
		return OpenSQLiteStorage(filepath.Join(cfg.StoragePath, sqliteFileName))
	default:
		return nil, fmt.Errorf("unsupported storage driver: %s", cfg.StorageDriver)
	}
}
