package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"wisefido-monitor/common/config"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	cip "github.com/aws/aws-sdk-go-v2/service/cognitoidentityprovider"
	"github.com/aws/aws-sdk-go-v2/service/cognitoidentityprovider/types"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

// 过期前提前刷新的时间
const refreshSkew = 60 * time.Second

// cognitoAPI InitiateAuth 的最小接口（测试中替换）
type cognitoAPI interface {
	InitiateAuth(ctx context.Context, params *cip.InitiateAuthInput, optFns ...func(*cip.Options)) (*cip.InitiateAuthOutput, error)
}

// CognitoProvider 通过用户池 USER_PASSWORD_AUTH 获取 id token，并缓存到过期前
type CognitoProvider struct {
	api      cognitoAPI
	clientID string
	username string
	password string
	logger   *zap.Logger
	now      func() time.Time

	mu           sync.Mutex
	token        string
	refreshToken string
	expiresAt    time.Time
}

// NewCognitoProvider 创建 Cognito 凭证提供者
func NewCognitoProvider(ctx context.Context, cfg *config.CognitoConfig, logger *zap.Logger) (*CognitoProvider, error) {
	if cfg.ClientID == "" {
		return nil, errors.New("cognito client id is required")
	}
	if cfg.Username == "" || cfg.Password == "" {
		return nil, errors.New("cognito username and password are required")
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("unable to load AWS SDK config: %w", err)
	}

	return newCognitoProvider(cip.NewFromConfig(awsCfg), cfg, logger), nil
}

func newCognitoProvider(api cognitoAPI, cfg *config.CognitoConfig, logger *zap.Logger) *CognitoProvider {
	return &CognitoProvider{
		api:      api,
		clientID: cfg.ClientID,
		username: cfg.Username,
		password: cfg.Password,
		logger:   logger,
		now:      time.Now,
	}
}

// GetToken 返回缓存的 id token；快过期时先尝试 refresh token，再回退到账号密码登录
func (p *CognitoProvider) GetToken(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.token != "" && p.now().Add(refreshSkew).Before(p.expiresAt) {
		return p.token, nil
	}

	if p.refreshToken != "" {
		out, err := p.api.InitiateAuth(ctx, &cip.InitiateAuthInput{
			AuthFlow:       types.AuthFlowTypeRefreshTokenAuth,
			ClientId:       aws.String(p.clientID),
			AuthParameters: map[string]string{"REFRESH_TOKEN": p.refreshToken},
		})
		if err == nil {
			if err = p.store(out); err == nil {
				return p.token, nil
			}
		}
		p.logger.Warn("Cognito token refresh failed, falling back to password auth", zap.Error(err))
		p.refreshToken = ""
	}

	out, err := p.api.InitiateAuth(ctx, &cip.InitiateAuthInput{
		AuthFlow: types.AuthFlowTypeUserPasswordAuth,
		ClientId: aws.String(p.clientID),
		AuthParameters: map[string]string{
			"USERNAME": p.username,
			"PASSWORD": p.password,
		},
	})
	if err != nil {
		p.token = ""
		return "", fmt.Errorf("%w: cognito initiate auth: %v", ErrNotAuthenticated, err)
	}
	if err := p.store(out); err != nil {
		p.token = ""
		return "", err
	}

	p.logger.Info("Obtained Cognito id token",
		zap.String("username", p.username),
		zap.Time("expires_at", p.expiresAt),
	)
	return p.token, nil
}

// store 保存认证结果；过期时间优先取 token 的 exp，其次 ExpiresIn
func (p *CognitoProvider) store(out *cip.InitiateAuthOutput) error {
	if out == nil || out.AuthenticationResult == nil {
		challenge := ""
		if out != nil {
			challenge = string(out.ChallengeName)
		}
		return fmt.Errorf("%w: cognito returned no tokens (challenge=%s)", ErrNotAuthenticated, challenge)
	}

	res := out.AuthenticationResult
	idToken := aws.ToString(res.IdToken)
	if idToken == "" {
		return fmt.Errorf("%w: cognito returned empty id token", ErrNotAuthenticated)
	}

	expiresAt, ok := tokenExpiry(idToken)
	if !ok {
		expiresAt = p.now().Add(time.Duration(res.ExpiresIn) * time.Second)
	}

	p.token = idToken
	p.expiresAt = expiresAt
	if rt := aws.ToString(res.RefreshToken); rt != "" {
		p.refreshToken = rt
	}
	return nil
}

// tokenExpiry 读取 JWT 的 exp（不校验签名，签名由服务端校验）
func tokenExpiry(token string) (time.Time, bool) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}
