// Package sqlstore 基于 database/sql 实现插件与服务元数据的持久化，支持 MySQL 与 SQLite。
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/mattn/go-sqlite3"

	xerrors "OpenMCP-Mesh/internal/errors"
	"OpenMCP-Mesh/internal/storage"
	"OpenMCP-Mesh/pkg/plugin"
	"OpenMCP-Mesh/pkg/service"
)

// Store 实现 storage.Store。时间戳以毫秒存储，切片与映射字段以 JSON 文本存储。
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// New 建立连接并执行迁移。
func New(ctx context.Context, cfg Config) (*Store, error) {
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "打开元数据存储失败")
	}
	s := NewWithDB(db)
	if _, err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "执行数据库迁移失败")
	}
	return s, nil
}

// Open 仅建立连接，不执行迁移。
func Open(ctx context.Context, cfg Config) (*Store, error) {
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "打开元数据存储失败")
	}
	return NewWithDB(db), nil
}

// NewWithDB 使用已有连接构造存储。
func NewWithDB(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// Close 关闭数据库连接。
func (s *Store) Close() error {
	return s.db.Close()
}

const pluginColumns = `id, name, version, description, author, category, capabilities, dependencies, config, status, enabled, checksum, created_at, updated_at`

// CreatePlugin 实现 storage.PluginStore 接口。
func (s *Store) CreatePlugin(ctx context.Context, rec plugin.Record) error {
	s.stamp(&rec.CreatedAt, &rec.UpdatedAt)
	args, err := pluginArgs(rec)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO plugins (`+pluginColumns+`)
    VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, args...)
	if err != nil {
		if isDuplicate(err) {
			return storage.PluginExists(rec.ID)
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入插件记录失败")
	}
	return nil
}

// GetPlugin 实现 storage.PluginStore 接口。
func (s *Store) GetPlugin(ctx context.Context, id string) (plugin.Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+pluginColumns+`
    FROM plugins WHERE id = ?`, id)
	rec, err := scanPlugin(row)
	if stdErrors.Is(err, sql.ErrNoRows) {
		return plugin.Record{}, storage.PluginNotFound(id)
	}
	if err != nil {
		return plugin.Record{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询插件记录失败")
	}
	return rec, nil
}

// UpdatePlugin 实现 storage.PluginStore 接口。created_at 不会被修改。
func (s *Store) UpdatePlugin(ctx context.Context, rec plugin.Record) error {
	rec.UpdatedAt = s.now().UTC()
	args, err := pluginArgs(rec)
	if err != nil {
		return err
	}
	// 去掉 id 与 created_at，再把 id 放到 WHERE 条件。
	updateArgs := append(append([]any{}, args[1:12]...), args[13], rec.ID)
	res, err := s.db.ExecContext(ctx, `UPDATE plugins SET name = ?, version = ?, description = ?, author = ?, category = ?, capabilities = ?, dependencies = ?, config = ?, status = ?, enabled = ?, checksum = ?, updated_at = ?
    WHERE id = ?`, updateArgs...)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新插件记录失败")
	}
	return s.requireAffected(ctx, res, "plugins", rec.ID, storage.PluginNotFound)
}

// DeletePlugin 实现 storage.PluginStore 接口。
func (s *Store) DeletePlugin(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM plugins WHERE id = ?`, id)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "删除插件记录失败")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "删除插件记录失败")
	}
	if n == 0 {
		return storage.PluginNotFound(id)
	}
	return nil
}

// ListPlugins 实现 storage.PluginStore 接口，按创建时间升序返回。
func (s *Store) ListPlugins(ctx context.Context, opts ...storage.ListOption) ([]plugin.Record, error) {
	options := storage.BuildListOptions(opts)
	query, args := buildPluginListQuery(options)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询插件列表失败")
	}
	defer rows.Close()

	var results []plugin.Record
	skip := 0
	if options.Limit == 0 {
		skip = options.Offset
	}
	for rows.Next() {
		rec, err := scanPlugin(rows)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析插件记录失败")
		}
		if skip > 0 {
			skip--
			continue
		}
		results = append(results, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历插件列表失败")
	}
	return results, nil
}

func buildPluginListQuery(opts storage.ListOptions) (string, []any) {
	var (
		clauses []string
		args    []any
	)
	if opts.Category != "" {
		clauses = append(clauses, "category = ?")
		args = append(args, string(opts.Category))
	}
	if opts.Enabled != nil {
		clauses = append(clauses, "enabled = ?")
		args = append(args, *opts.Enabled)
	}
	var b strings.Builder
	b.WriteString(`SELECT ` + pluginColumns + ` FROM plugins`)
	if len(clauses) > 0 {
		b.WriteString(" WHERE " + strings.Join(clauses, " AND "))
	}
	b.WriteString(" ORDER BY created_at ASC, id ASC")
	// 不带 LIMIT 的 OFFSET 在 MySQL 中不合法，此时由调用方在内存中跳过。
	if opts.Limit > 0 {
		b.WriteString(" LIMIT ? OFFSET ?")
		args = append(args, opts.Limit, opts.Offset)
	}
	return b.String(), args
}

const serviceColumns = `id, name, version, protocol, host, port, endpoints, dependencies, health_status, health_checked_at, health_response_ms, health_message, rate_limit, api_key, created_at, updated_at`

// CreateService 实现 storage.ServiceStore 接口。
func (s *Store) CreateService(ctx context.Context, rec service.Record) error {
	s.stamp(&rec.CreatedAt, &rec.UpdatedAt)
	args, err := serviceArgs(rec)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO services (`+serviceColumns+`)
    VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, args...)
	if err != nil {
		if isDuplicate(err) {
			return storage.ServiceExists(rec.ID)
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入服务记录失败")
	}
	return nil
}

// GetService 实现 storage.ServiceStore 接口。
func (s *Store) GetService(ctx context.Context, id string) (service.Record, error) {
	return s.queryService(ctx, id, `SELECT `+serviceColumns+`
    FROM services WHERE id = ?`, id)
}

// FindServiceByName 实现 storage.ServiceStore 接口。
func (s *Store) FindServiceByName(ctx context.Context, name string) (service.Record, error) {
	return s.queryService(ctx, name, `SELECT `+serviceColumns+`
    FROM services WHERE name = ? ORDER BY created_at ASC, id ASC LIMIT 1`, name)
}

func (s *Store) queryService(ctx context.Context, key, query string, args ...any) (service.Record, error) {
	rec, err := scanService(s.db.QueryRowContext(ctx, query, args...))
	if stdErrors.Is(err, sql.ErrNoRows) {
		return service.Record{}, storage.ServiceNotFound(key)
	}
	if err != nil {
		return service.Record{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询服务记录失败")
	}
	return rec, nil
}

// UpdateService 实现 storage.ServiceStore 接口。
func (s *Store) UpdateService(ctx context.Context, rec service.Record) error {
	rec.UpdatedAt = s.now().UTC()
	args, err := serviceArgs(rec)
	if err != nil {
		return err
	}
	updateArgs := append(append([]any{}, args[1:14]...), args[15], rec.ID)
	res, err := s.db.ExecContext(ctx, `UPDATE services SET name = ?, version = ?, protocol = ?, host = ?, port = ?, endpoints = ?, dependencies = ?, health_status = ?, health_checked_at = ?, health_response_ms = ?, health_message = ?, rate_limit = ?, api_key = ?, updated_at = ?
    WHERE id = ?`, updateArgs...)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新服务记录失败")
	}
	return s.requireAffected(ctx, res, "services", rec.ID, storage.ServiceNotFound)
}

// DeleteService 实现 storage.ServiceStore 接口。
func (s *Store) DeleteService(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM services WHERE id = ?`, id)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "删除服务记录失败")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "删除服务记录失败")
	}
	if n == 0 {
		return storage.ServiceNotFound(id)
	}
	return nil
}

// ListServices 实现 storage.ServiceStore 接口，按创建时间升序返回。
func (s *Store) ListServices(ctx context.Context, filter storage.ServiceFilter) ([]service.Record, error) {
	var (
		clauses []string
		args    []any
	)
	if filter.Name != "" {
		clauses = append(clauses, "name = ?")
		args = append(args, filter.Name)
	}
	if filter.Protocol != "" {
		clauses = append(clauses, "protocol = ?")
		args = append(args, string(filter.Protocol))
	}
	if filter.HealthStatus != "" {
		clauses = append(clauses, "health_status = ?")
		args = append(args, string(filter.HealthStatus))
	}
	query := `SELECT ` + serviceColumns + ` FROM services`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at ASC, id ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询服务列表失败")
	}
	defer rows.Close()

	var results []service.Record
	for rows.Next() {
		rec, err := scanService(rows)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析服务记录失败")
		}
		results = append(results, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历服务列表失败")
	}
	return results, nil
}

// requireAffected 在 UPDATE 未影响任何行时区分“记录不存在”与“值未变化”（MySQL 对未变化的行返回 0）。
func (s *Store) requireAffected(ctx context.Context, res sql.Result, table, id string, notFound func(string) error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取影响行数失败")
	}
	if n > 0 {
		return nil
	}
	var one int
	err = s.db.QueryRowContext(ctx, `SELECT 1 FROM `+table+` WHERE id = ?`, id).Scan(&one)
	if stdErrors.Is(err, sql.ErrNoRows) {
		return notFound(id)
	}
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询记录失败")
	}
	return nil
}

func (s *Store) stamp(created, updated *time.Time) {
	now := s.now().UTC()
	if created.IsZero() {
		*created = now
	}
	if updated.IsZero() {
		*updated = now
	}
}

type scanner interface {
	Scan(dest ...any) error
}

func pluginArgs(rec plugin.Record) ([]any, error) {
	capabilities, err := encodeJSON(rec.Capabilities, "[]")
	if err != nil {
		return nil, err
	}
	dependencies, err := encodeJSON(rec.Dependencies, "[]")
	if err != nil {
		return nil, err
	}
	config, err := encodeJSON(rec.Config, "{}")
	if err != nil {
		return nil, err
	}
	return []any{
		rec.ID, rec.Name, rec.Version, rec.Description, rec.Author, string(rec.Category),
		capabilities, dependencies, config, string(rec.Status), rec.Enabled, rec.Checksum,
		rec.CreatedAt.UnixMilli(), rec.UpdatedAt.UnixMilli(),
	}, nil
}

func scanPlugin(row scanner) (plugin.Record, error) {
	var (
		rec                                plugin.Record
		category, status                   string
		capabilities, dependencies, config string
		createdAt, updatedAt               int64
	)
	if err := row.Scan(&rec.ID, &rec.Name, &rec.Version, &rec.Description, &rec.Author, &category,
		&capabilities, &dependencies, &config, &status, &rec.Enabled, &rec.Checksum,
		&createdAt, &updatedAt); err != nil {
		return plugin.Record{}, err
	}
	rec.Category = plugin.Category(category)
	rec.Status = plugin.Status(status)
	rec.CreatedAt = time.UnixMilli(createdAt).UTC()
	rec.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	if err := decodeJSON(capabilities, &rec.Capabilities); err != nil {
		return plugin.Record{}, err
	}
	if err := decodeJSON(dependencies, &rec.Dependencies); err != nil {
		return plugin.Record{}, err
	}
	if err := decodeJSON(config, &rec.Config); err != nil {
		return plugin.Record{}, err
	}
	return rec, nil
}

func serviceArgs(rec service.Record) ([]any, error) {
	endpoints, err := encodeJSON(rec.Endpoints, "[]")
	if err != nil {
		return nil, err
	}
	dependencies, err := encodeJSON(rec.Dependencies, "[]")
	if err != nil {
		return nil, err
	}
	var checkedAt int64
	if !rec.Health.LastCheck.IsZero() {
		checkedAt = rec.Health.LastCheck.UnixMilli()
	}
	return []any{
		rec.ID, rec.Name, rec.Version, string(rec.Protocol), rec.Host, rec.Port,
		endpoints, dependencies, string(rec.Health.Status), checkedAt,
		rec.Health.ResponseTime.Milliseconds(), rec.Health.Message, rec.RateLimit, rec.APIKey,
		rec.CreatedAt.UnixMilli(), rec.UpdatedAt.UnixMilli(),
	}, nil
}

func scanService(row scanner) (service.Record, error) {
	var (
		rec                     service.Record
		protocol, healthStatus  string
		endpoints, dependencies string
		checkedAt, responseMS   int64
		createdAt, updatedAt    int64
	)
	if err := row.Scan(&rec.ID, &rec.Name, &rec.Version, &protocol, &rec.Host, &rec.Port,
		&endpoints, &dependencies, &healthStatus, &checkedAt,
		&responseMS, &rec.Health.Message, &rec.RateLimit, &rec.APIKey,
		&createdAt, &updatedAt); err != nil {
		return service.Record{}, err
	}
	rec.Protocol = service.Protocol(protocol)
	rec.Health.Status = service.HealthStatus(healthStatus)
	if checkedAt > 0 {
		rec.Health.LastCheck = time.UnixMilli(checkedAt).UTC()
	}
	rec.Health.ResponseTime = time.Duration(responseMS) * time.Millisecond
	rec.CreatedAt = time.UnixMilli(createdAt).UTC()
	rec.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	if err := decodeJSON(endpoints, &rec.Endpoints); err != nil {
		return service.Record{}, err
	}
	if err := decodeJSON(dependencies, &rec.Dependencies); err != nil {
		return service.Record{}, err
	}
	return rec, nil
}

func encodeJSON(v any, empty string) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeInvalidArgument, err, "序列化字段失败")
	}
	if string(raw) == "null" {
		return empty, nil
	}
	return string(raw), nil
}

func decodeJSON(raw string, dst any) error {
	if raw == "" || raw == "null" || raw == "[]" || raw == "{}" {
		return nil
	}
	if err := json.Unmarshal([]byte(raw), dst); err != nil {
		return fmt.Errorf("解析 JSON 字段失败: %w", err)
	}
	return nil
}

// isDuplicate 识别 MySQL 1062 与 SQLite 主键/唯一约束冲突。
func isDuplicate(err error) bool {
	var mysqlErr *mysql.MySQLError
	if stdErrors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	var sqliteErr sqlite3.Error
	if stdErrors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
	}
	return false
}

var _ storage.Store = (*Store)(nil)
