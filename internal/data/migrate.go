package data

import (
	"context"
	"embed"
	"fmt"
	"slices"
	"strings"
	"time"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// migrate 按文件名顺序执行尚未记录在 schema_migrations 里的脚本，每个脚本一个事务。
// 以文件名为 id：已有数据文件里的表结构只能追加新脚本，不能修改旧脚本。
func (d *Data) migrate(ctx context.Context) error {
	if _, err := d.mutate(ctx, `
CREATE TABLE IF NOT EXISTS schema_migrations (
  id TEXT PRIMARY KEY,
  applied_at INTEGER NOT NULL
)`); err != nil {
		return err
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return err
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			names = append(names, e.Name())
		}
	}
	slices.Sort(names)

	for _, name := range names {
		var id string
		applied, err := d.first(ctx, "SELECT id FROM schema_migrations WHERE id = ?", []any{name}, &id)
		if err != nil {
			return err
		}
		if applied {
			continue
		}

		body, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return err
		}
		err = d.InTx(ctx, func(ctx context.Context) error {
			if _, err := d.mutate(ctx, string(body)); err != nil {
				return err
			}
			_, err := d.mutate(ctx, "INSERT INTO schema_migrations (id, applied_at) VALUES (?, ?)", name, time.Now().Unix())
			return err
		})
		if err != nil {
			return fmt.Errorf("apply migration %s: %w", name, err)
		}
		d.log.Infof("migration applied name=%s", name)
	}
	return nil
}
