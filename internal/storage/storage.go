package storage

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	xerrors "bandburg/internal/errors"
)

var (
	// ErrNotFound 表示记录不存在。
	ErrNotFound = xerrors.New(xerrors.CodeNotFound, "记录不存在")
	// ErrConflict 表示记录与已有数据冲突，例如设备地址重复。
	ErrConflict = xerrors.New(xerrors.CodeConflict, "记录已存在", xerrors.WithSeverity(xerrors.SeverityWarning))
)

// Device 是保存的手环连接参数。
type Device struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Addr        string `json:"addr"`
	AuthKey     string `json:"authkey"`
	SARVersion  int    `json:"sarVersion"`
	ConnectType string `json:"connectType"`
	CreatedAt   int64  `json:"createdAt"`
	UpdatedAt   int64  `json:"updatedAt"`
}

// Script 是保存的 Lua 脚本。
type Script struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Code        string `json:"code"`
	Description string `json:"description,omitempty"`
	CreatedAt   int64  `json:"createdAt"`
	UpdatedAt   int64  `json:"updatedAt"`
}

// Store 持久化设备与脚本。
type Store interface {
	CreateDevice(ctx context.Context, d *Device) error
	GetDevice(ctx context.Context, id string) (*Device, error)
	ListDevices(ctx context.Context) ([]Device, error)
	DeleteDevice(ctx context.Context, id string) error

	CreateScript(ctx context.Context, s *Script) error
	UpdateScript(ctx context.Context, s *Script) error
	GetScript(ctx context.Context, id string) (*Script, error)
	ListScripts(ctx context.Context) ([]Script, error)
	DeleteScript(ctx context.Context, id string) error

	Close() error
}

// prepareDevice 校验并补全设备字段，name/addr/authkey 必填。
func prepareDevice(d *Device) error {
	if d == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "设备不能为空")
	}
	d.Name = strings.TrimSpace(d.Name)
	d.Addr = strings.TrimSpace(d.Addr)
	d.AuthKey = strings.TrimSpace(d.AuthKey)
	switch {
	case d.Name == "":
		return xerrors.New(xerrors.CodeInvalidArgument, "设备名称不能为空")
	case d.Addr == "":
		return xerrors.New(xerrors.CodeInvalidArgument, "设备地址不能为空")
	case d.AuthKey == "":
		return xerrors.New(xerrors.CodeInvalidArgument, "authkey 不能为空")
	}
	if d.SARVersion == 0 {
		d.SARVersion = 2
	}
	if d.ConnectType == "" {
		d.ConnectType = "SPP"
	}
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	now := time.Now().UnixMilli()
	if d.CreatedAt == 0 {
		d.CreatedAt = now
	}
	d.UpdatedAt = now
	return nil
}

func prepareScript(s *Script, create bool) error {
	if s == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "脚本不能为空")
	}
	s.Name = strings.TrimSpace(s.Name)
	if s.Name == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "脚本名称不能为空")
	}
	if !create && s.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "脚本 ID 不能为空")
	}
	if create && s.ID == "" {
		s.ID = uuid.NewString()
	}
	now := time.Now().UnixMilli()
	if create && s.CreatedAt == 0 {
		s.CreatedAt = now
	}
	s.UpdatedAt = now
	return nil
}
