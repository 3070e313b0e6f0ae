package migrations

import "embed"

// Files 暴露设备与脚本表的 SQL 迁移文件，sqlite 与 mysql 共用。
//
//go:embed *.sql
var Files embed.FS
