package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"bandburg/pkg/logger"
)

// 权限名称。
const (
	PermissionRead  = "bridge:read"
	PermissionWrite = "bridge:write"
)

// Common errors returned by the authentication subsystem.
var (
	ErrInvalidToken     = errors.New("invalid token")
	ErrMissingToken     = errors.New("missing bearer token")
	ErrPermissionDenied = errors.New("permission denied")
)

// TokenConfig 描述一个静态访问令牌。Permissions 为空时授予全部权限。
type TokenConfig struct {
	Name        string   `yaml:"name"`
	Token       string   `yaml:"token"`
	Permissions []string `yaml:"permissions"`
}

// Config 配置 API 认证。没有令牌时认证关闭。
type Config struct {
	Tokens []TokenConfig `yaml:"tokens"`
	// Token 是单个全权限令牌的简写，便于通过环境变量配置。
	Token string `yaml:"token" env:"TOKEN"`
}

// Enabled 报告是否配置了任何令牌。
func (c Config) Enabled() bool {
	return c.Token != "" || len(c.Tokens) > 0
}

// Subject 是通过认证的调用方。
type Subject struct {
	Name        string
	Permissions []string
}

// HasPermission 报告调用方是否拥有指定权限。
func (s *Subject) HasPermission(permission string) bool {
	if s == nil {
		return false
	}
	for _, p := range s.Permissions {
		if strings.EqualFold(strings.TrimSpace(p), permission) {
			return true
		}
	}
	return false
}

// Authorize 校验调用方是否拥有全部权限。
func (s *Subject) Authorize(perms ...string) error {
	for _, perm := range perms {
		if !s.HasPermission(perm) {
			return fmt.Errorf("%w: %s", ErrPermissionDenied, perm)
		}
	}
	return nil
}

type credential struct {
	digest  [sha256.Size]byte
	subject Subject
}

// Service 校验 HTTP 请求携带的令牌。
type Service struct {
	creds []credential
	audit *slog.Logger
}

// NewService 构造认证服务。cfg 未启用时返回 nil，nil 服务放行所有请求。
func NewService(cfg Config) (*Service, error) {
	if !cfg.Enabled() {
		return nil, nil
	}
	tokens := cfg.Tokens
	if cfg.Token != "" {
		tokens = append([]TokenConfig{{Name: "default", Token: cfg.Token}}, tokens...)
	}

	s := &Service{audit: logger.Audit()}
	seen := make(map[string]struct{}, len(tokens))
	for i, t := range tokens {
		token := strings.TrimSpace(t.Token)
		if token == "" {
			return nil, fmt.Errorf("第 %d 个令牌为空", i+1)
		}
		if _, dup := seen[token]; dup {
			return nil, fmt.Errorf("令牌 %q 重复", t.Name)
		}
		seen[token] = struct{}{}

		perms := t.Permissions
		if len(perms) == 0 {
			perms = []string{PermissionRead, PermissionWrite}
		}
		name := t.Name
		if name == "" {
			name = fmt.Sprintf("token-%d", i+1)
		}
		s.creds = append(s.creds, credential{
			digest:  sha256.Sum256([]byte(token)),
			subject: Subject{Name: name, Permissions: perms},
		})
	}
	return s, nil
}

// AuthenticateRequest 验证 Authorization 头或 access_token 查询参数。
func (s *Service) AuthenticateRequest(authorization, queryToken string) (*Subject, error) {
	token := strings.TrimSpace(queryToken)
	if authorization != "" {
		parts := strings.SplitN(strings.TrimSpace(authorization), " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
			return nil, ErrMissingToken
		}
		token = strings.TrimSpace(parts[1])
	}
	if token == "" {
		return nil, ErrMissingToken
	}

	digest := sha256.Sum256([]byte(token))
	var match *Subject
	for i := range s.creds {
		if subtle.ConstantTimeCompare(digest[:], s.creds[i].digest[:]) == 1 {
			subject := s.creds[i].subject
			match = &subject
		}
	}
	if match == nil {
		return nil, ErrInvalidToken
	}
	return match, nil
}
