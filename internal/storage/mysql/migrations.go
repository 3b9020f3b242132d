package mysql

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	"OpenMCP-Intent/deploy/migrations"
)

var embeddedMigrations fs.FS = migrations.Files

const createMigrationsTable = `CREATE TABLE IF NOT EXISTS run_schema_migrations (
        version VARCHAR(32) NOT NULL PRIMARY KEY,
        name VARCHAR(255) NOT NULL,
        checksum CHAR(64) NOT NULL,
        applied_at BIGINT NOT NULL
)`

// runMigration 是一个运行记录表的迁移文件，checksum 覆盖去掉注释后的语句。
type runMigration struct {
	version    string
	name       string
	checksum   string
	statements []string
}

// runMigrations 依次执行尚未记录的迁移。已执行迁移的内容被改动，或数据库中存在
// 当前程序不认识的版本时返回错误。
func (s *SQLRunRepository) runMigrations(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, createMigrationsTable); err != nil {
		return fmt.Errorf("创建 run_schema_migrations 表失败: %w", err)
	}

	applied, err := s.appliedChecksums(ctx)
	if err != nil {
		return err
	}
	files, err := loadRunMigrations(embeddedMigrations)
	if err != nil {
		return err
	}

	known := make(map[string]struct{}, len(files))
	for _, m := range files {
		known[m.version] = struct{}{}
		if sum, ok := applied[m.version]; ok {
			if sum != m.checksum {
				return fmt.Errorf("运行记录迁移 %s 在执行后被修改 (记录 %s, 当前 %s)", m.name, sum, m.checksum)
			}
			continue
		}
		if err := s.applyMigration(ctx, m); err != nil {
			return err
		}
	}
	for version := range applied {
		if _, ok := known[version]; !ok {
			return fmt.Errorf("数据库中的运行记录迁移 %s 比当前程序更新", version)
		}
	}
	return nil
}

func (s *SQLRunRepository) appliedChecksums(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT version, checksum FROM run_schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("查询 run_schema_migrations 失败: %w", err)
	}
	defer rows.Close()

	applied := make(map[string]string)
	for rows.Next() {
		var version, checksum string
		if err := rows.Scan(&version, &checksum); err != nil {
			return nil, fmt.Errorf("解析 run_schema_migrations 失败: %w", err)
		}
		applied[version] = checksum
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("遍历 run_schema_migrations 失败: %w", err)
	}
	return applied, nil
}

func (s *SQLRunRepository) applyMigration(ctx context.Context, m runMigration) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("开启迁移事务失败: %w", err)
	}
	for _, stmt := range m.statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("执行运行记录迁移 %s 失败: %w", m.name, err)
		}
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO run_schema_migrations (version, name, checksum, applied_at) VALUES (?, ?, ?, ?)`,
		m.version, m.name, m.checksum, time.Now().Unix(),
	); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("记录迁移版本失败: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("提交迁移事务失败: %w", err)
	}
	return nil
}

// loadRunMigrations 读取 NNNN_name.sql 文件并按版本排序，版本重复视为错误。
func loadRunMigrations(fsys fs.FS) ([]runMigration, error) {
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, fmt.Errorf("读取迁移目录失败: %w", err)
	}

	var out []runMigration
	seen := make(map[string]string)
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".sql") {
			continue
		}
		content, err := fs.ReadFile(fsys, name)
		if err != nil {
			return nil, fmt.Errorf("读取迁移文件 %s 失败: %w", name, err)
		}
		statements := splitSQLStatements(string(content))
		if len(statements) == 0 {
			continue
		}
		version := parseMigrationVersion(name)
		if prev, dup := seen[version]; dup {
			return nil, fmt.Errorf("迁移 %s 与 %s 版本号重复", name, prev)
		}
		seen[version] = name

		sum := sha256.Sum256([]byte(strings.Join(statements, ";\n")))
		out = append(out, runMigration{
			version:    version,
			name:       name,
			checksum:   hex.EncodeToString(sum[:]),
			statements: statements,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].version < out[j].version })
	return out, nil
}

// splitSQLStatements 去掉 -- 行注释后按分号切分。
func splitSQLStatements(content string) []string {
	var cleaned strings.Builder
	scanner := bufio.NewScanner(strings.NewReader(content))
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(strings.TrimSpace(line), "--") {
			continue
		}
		cleaned.WriteString(line)
		cleaned.WriteByte('\n')
	}

	var statements []string
	for _, stmt := range strings.Split(cleaned.String(), ";") {
		if trimmed := strings.TrimSpace(stmt); trimmed != "" {
			statements = append(statements, trimmed)
		}
	}
	return statements
}

func parseMigrationVersion(name string) string {
	base := strings.TrimSuffix(name, ".sql")
	if idx := strings.IndexRune(base, '_'); idx > 0 {
		return base[:idx]
	}
	return base
}
