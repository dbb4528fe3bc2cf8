package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrNotAuthenticated 没有可用凭证；依赖凭证的网络调用不应发出
var ErrNotAuthenticated = errors.New("not authenticated")

// CredentialProvider 外部身份会话（每次调用都取最新 token）
type CredentialProvider interface {
	GetToken(ctx context.Context) (string, error)
}

// ProviderFunc 函数适配器
type ProviderFunc func(ctx context.Context) (string, error)

func (f ProviderFunc) GetToken(ctx context.Context) (string, error) { return f(ctx) }

// StaticProvider 固定 token（本地联调用）
type StaticProvider struct {
	token string
}

// NewStaticProvider 创建固定 token 的凭证提供者
func NewStaticProvider(token string) *StaticProvider {
	return &StaticProvider{token: strings.TrimSpace(token)}
}

func (p *StaticProvider) GetToken(ctx context.Context) (string, error) {
	return p.token, nil
}

// RequireToken 获取 token；失败或为空时返回包装了 ErrNotAuthenticated 的错误
func RequireToken(ctx context.Context, p CredentialProvider) (string, error) {
	if p == nil {
		return "", ErrNotAuthenticated
	}
	token, err := p.GetToken(ctx)
	if err != nil {
		if errors.Is(err, ErrNotAuthenticated) {
			return "", err
		}
		return "", fmt.Errorf("%w: %v", ErrNotAuthenticated, err)
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return "", ErrNotAuthenticated
	}
	return token, nil
}
