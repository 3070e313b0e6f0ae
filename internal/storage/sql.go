package storage

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	sqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	xerrors "bandburg/internal/errors"
)

// 支持的数据库驱动。
const (
	DriverSQLite = "sqlite"
	DriverMySQL  = "mysql"
)

// Config 描述 SQL 存储的连接参数。
type Config struct {
	Driver          string        `yaml:"driver" env:"DRIVER"`
	DSN             string        `yaml:"dsn" env:"DSN"`
	MaxOpenConns    int           `yaml:"max_open_conns" env:"MAX_OPEN_CONNS"`
	MaxIdleConns    int           `yaml:"max_idle_conns" env:"MAX_IDLE_CONNS"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"CONN_MAX_LIFETIME"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time" env:"CONN_MAX_IDLE_TIME"`
}

// SQLStore 使用 sqlite 或 mysql 持久化设备与脚本。
type SQLStore struct {
	db     *sql.DB
	driver string
}

var _ Store = (*SQLStore)(nil)

// Open 建立连接并执行内置迁移。
func Open(ctx context.Context, cfg Config) (*SQLStore, error) {
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, err
	}
	s := &SQLStore{db: db, driver: cfg.Driver}
	if err := s.runMigrations(ctx); err != nil {
		_ = db.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "执行数据库迁移失败")
	}
	return s, nil
}

func openDatabase(ctx context.Context, cfg Config) (*sql.DB, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "数据库 DSN 不能为空")
	}
	if cfg.Driver != DriverSQLite && cfg.Driver != DriverMySQL {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "不支持的数据库驱动: "+cfg.Driver)
	}

	db, err := sql.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "打开数据库失败")
	}

	switch {
	case cfg.Driver == DriverSQLite:
		// sqlite 只允许单写者。
		db.SetMaxOpenConns(1)
	case cfg.MaxOpenConns > 0:
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	default:
		db.SetMaxOpenConns(20)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	} else {
		db.SetMaxIdleConns(10)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	} else {
		db.SetConnMaxLifetime(30 * time.Minute)
	}
	if cfg.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "无法连接到数据库")
	}
	return db, nil
}

// CreateDevice 实现 Store 接口，地址重复时返回 ErrConflict。
func (s *SQLStore) CreateDevice(ctx context.Context, d *Device) error {
	if err := prepareDevice(d); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO devices (id, name, addr, authkey, sar_version, connect_type, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.Name, d.Addr, d.AuthKey, d.SARVersion, d.ConnectType, d.CreatedAt, d.UpdatedAt)
	if err != nil {
		if isDuplicate(err) {
			return ErrConflict
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "保存设备失败")
	}
	return nil
}

const deviceColumns = `id, name, addr, authkey, sar_version, connect_type, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanDevice(row scanner) (*Device, error) {
	var d Device
	if err := row.Scan(&d.ID, &d.Name, &d.Addr, &d.AuthKey, &d.SARVersion, &d.ConnectType, &d.CreatedAt, &d.UpdatedAt); err != nil {
		return nil, err
	}
	return &d, nil
}

// GetDevice 按 ID 查询设备。
func (s *SQLStore) GetDevice(ctx context.Context, id string) (*Device, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+deviceColumns+` FROM devices WHERE id = ?`, id)
	d, err := scanDevice(row)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询设备失败")
	}
	return d, nil
}

// ListDevices 按创建时间返回全部设备。
func (s *SQLStore) ListDevices(ctx context.Context) ([]Device, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+deviceColumns+` FROM devices ORDER BY created_at, id`)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询设备列表失败")
	}
	defer rows.Close()

	out := []Device{}
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析设备失败")
		}
		out = append(out, *d)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历设备失败")
	}
	return out, nil
}

// DeleteDevice 删除设备。
func (s *SQLStore) DeleteDevice(ctx context.Context, id string) error {
	return s.deleteByID(ctx, "devices", id)
}

// CreateScript 实现 Store 接口。
func (s *SQLStore) CreateScript(ctx context.Context, sc *Script) error {
	if err := prepareScript(sc, true); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO scripts (id, name, code, description, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?)`,
		sc.ID, sc.Name, sc.Code, sc.Description, sc.CreatedAt, sc.UpdatedAt)
	if err != nil {
		if isDuplicate(err) {
			return ErrConflict
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "保存脚本失败")
	}
	return nil
}

// UpdateScript 覆盖名称、代码与描述，保留创建时间。
func (s *SQLStore) UpdateScript(ctx context.Context, sc *Script) error {
	if err := prepareScript(sc, false); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `UPDATE scripts SET name = ?, code = ?, description = ?, updated_at = ? WHERE id = ?`,
		sc.Name, sc.Code, sc.Description, sc.UpdatedAt, sc.ID)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新脚本失败")
	}
	// mysql 的 RowsAffected 只统计实际变化的行，改为回读判断是否存在。
	current, err := s.GetScript(ctx, sc.ID)
	if err != nil {
		return err
	}
	sc.CreatedAt = current.CreatedAt
	return nil
}

const scriptColumns = `id, name, code, description, created_at, updated_at`

func scanScript(row scanner) (*Script, error) {
	var (
		sc   Script
		desc sql.NullString
	)
	if err := row.Scan(&sc.ID, &sc.Name, &sc.Code, &desc, &sc.CreatedAt, &sc.UpdatedAt); err != nil {
		return nil, err
	}
	sc.Description = desc.String
	return &sc, nil
}

// GetScript 按 ID 查询脚本。
func (s *SQLStore) GetScript(ctx context.Context, id string) (*Script, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+scriptColumns+` FROM scripts WHERE id = ?`, id)
	sc, err := scanScript(row)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询脚本失败")
	}
	return sc, nil
}

// ListScripts 按创建时间返回全部脚本。
func (s *SQLStore) ListScripts(ctx context.Context) ([]Script, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+scriptColumns+` FROM scripts ORDER BY created_at, id`)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询脚本列表失败")
	}
	defer rows.Close()

	out := []Script{}
	for rows.Next() {
		sc, err := scanScript(rows)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析脚本失败")
		}
		out = append(out, *sc)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历脚本失败")
	}
	return out, nil
}

// DeleteScript 删除脚本。
func (s *SQLStore) DeleteScript(ctx context.Context, id string) error {
	return s.deleteByID(ctx, "scripts", id)
}

func (s *SQLStore) deleteByID(ctx context.Context, table, id string) error {
	res, err := s.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id = ?`, table), id)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "删除记录失败",
			xerrors.WithMetadata("table", table))
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// Close 关闭数据库连接。
func (s *SQLStore) Close() error {
	return s.db.Close()
}

func isDuplicate(err error) bool {
	var mysqlErr *mysql.MySQLError
	if stdErrors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	var sqliteErr *sqlite.Error
	if stdErrors.As(err, &sqliteErr) {
		code := sqliteErr.Code()
		return code == sqlite3.SQLITE_CONSTRAINT || code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
	}
	return false
}
