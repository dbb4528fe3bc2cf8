package poller

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"wisefido-monitor/internal/auth"
	"wisefido-monitor/internal/models"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

var (
	// ErrAuth 凭证不可用，请求未发出
	ErrAuth = errors.New("poller: credential unavailable")
	// ErrNetwork 传输失败或非 2xx 响应
	ErrNetwork = errors.New("poller: network error")
	// ErrStaleTarget 请求返回时选中的患者已切换，结果被丢弃
	ErrStaleTarget = errors.New("poller: stale target")
)

// ClientOptions REST 客户端配置
type ClientOptions struct {
	BaseURL    string
	Timeout    time.Duration
	RetryCount int
	Logger     *zap.Logger
}

// Client 拉取名单与患者历史的 REST 客户端
type Client struct {
	httpClient *resty.Client
	creds      auth.CredentialProvider
	logger     *zap.Logger
}

// NewClient 创建 REST 客户端
func NewClient(opts ClientOptions, creds auth.CredentialProvider) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	client := resty.New().
		SetBaseURL(opts.BaseURL).
		SetTimeout(opts.Timeout).
		SetRetryCount(opts.RetryCount).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second).
		SetHeader("Accept", "application/json")

	return &Client{
		httpClient: client,
		creds:      creds,
		logger:     opts.Logger,
	}
}

// request 取最新凭证并构造请求；凭证为空时不构造
func (c *Client) request(ctx context.Context) (*resty.Request, error) {
	token, err := auth.RequireToken(ctx, c.creds)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAuth, err)
	}
	return c.httpClient.R().
		SetContext(ctx).
		ForceContentType("application/json").
		SetHeader("Authorization", token), nil
}

// FetchRoster GET /patients
func (c *Client) FetchRoster(ctx context.Context) ([]models.PatientSummary, error) {
	req, err := c.request(ctx)
	if err != nil {
		return nil, err
	}

	var records []models.PatientWire
	resp, err := req.SetResult(&records).Get("/patients")
	if err := checkResponse(resp, err, "GET /patients"); err != nil {
		c.logger.Warn("Roster fetch failed", zap.Error(err))
		return nil, err
	}

	roster := make([]models.PatientSummary, 0, len(records))
	for _, rec := range records {
		s := rec.Summary()
		if s.PatientID == "" {
			c.logger.Debug("Skipping roster record without patient_id")
			continue
		}
		roster = append(roster, s)
	}

	c.logger.Debug("Fetched roster", zap.Int("patient_count", len(roster)))
	return roster, nil
}

// FetchHistory GET /patients/{id}；返回按时间从旧到新排序的历史
func (c *Client) FetchHistory(ctx context.Context, patientID string) ([]models.HistoryPoint, error) {
	req, err := c.request(ctx)
	if err != nil {
		return nil, err
	}

	var detail models.PatientDetailResponse
	resp, err := req.
		SetPathParam("id", patientID).
		SetResult(&detail).
		Get("/patients/{id}")
	if err := checkResponse(resp, err, "GET /patients/"+patientID); err != nil {
		c.logger.Warn("History fetch failed", zap.String("patient_id", patientID), zap.Error(err))
		return nil, err
	}

	// 后端按新到旧返回
	points := make([]models.HistoryPoint, len(detail.History))
	for i, rec := range detail.History {
		points[len(points)-1-i] = rec.HistoryPoint()
	}
	sort.SliceStable(points, func(i, j int) bool {
		return points[i].Timestamp.Before(points[j].Timestamp)
	})

	c.logger.Debug("Fetched history",
		zap.String("patient_id", patientID),
		zap.Int("point_count", len(points)),
	)
	return points, nil
}

func checkResponse(resp *resty.Response, err error, op string) error {
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrNetwork, op, err)
	}
	if !resp.IsSuccess() {
		return fmt.Errorf("%w: %s: status %d", ErrNetwork, op, resp.StatusCode())
	}
	return nil
}
