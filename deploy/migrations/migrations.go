// Package migrations 内嵌插件与服务元数据表的 SQL 迁移文件，MySQL 与 SQLite 共用。
package migrations

import "embed"

// Files 暴露所有 SQL 迁移文件，按文件名前缀的版本号顺序执行。
//
//go:embed *.sql
var Files embed.FS
