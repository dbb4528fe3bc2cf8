package poller

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"wisefido-monitor/internal/models"

	"go.uber.org/zap"
)

// ErrStopped HistoryPoller 已停止
var ErrStopped = errors.New("poller: stopped")

// DefaultHistoryInterval 详情页历史刷新间隔
const DefaultHistoryInterval = 5 * time.Second

// HistoryFetcher 拉取患者历史
type HistoryFetcher interface {
	FetchHistory(ctx context.Context, patientID string) ([]models.HistoryPoint, error)
}

// Selection 当前选中的患者及其历史（从旧到新）
type Selection struct {
	PatientID string                `json:"patient_id"`
	Points    []models.HistoryPoint `json:"points"`
	UpdatedAt time.Time             `json:"updated_at,omitempty"`
	LastError string                `json:"last_error,omitempty"`
}

// HistoryOptions HistoryPoller 配置
type HistoryOptions struct {
	Interval time.Duration
	Logger   *zap.Logger
	// OnError 每次拉取失败时回调（用于指标）
	OnError func(err error)
}

// HistoryPoller 对选中的患者立即拉取一次历史，之后按固定间隔刷新。
// 切换选中会取消上一个循环；在切换后才返回的结果会被丢弃。
type HistoryPoller struct {
	fetcher  HistoryFetcher
	interval time.Duration
	logger   *zap.Logger
	onError  func(err error)
	now      func() time.Time

	// baseCtx 拉取请求使用，仅在 Stop 时取消
	baseCtx    context.Context
	baseCancel context.CancelFunc

	mu         sync.Mutex
	generation uint64
	loopCancel context.CancelFunc
	selected   bool
	current    Selection
	stopped    bool
	wg         sync.WaitGroup
}

// NewHistoryPoller 创建 HistoryPoller
func NewHistoryPoller(ctx context.Context, fetcher HistoryFetcher, opts HistoryOptions) *HistoryPoller {
	if opts.Interval <= 0 {
		opts.Interval = DefaultHistoryInterval
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	baseCtx, baseCancel := context.WithCancel(ctx)
	return &HistoryPoller{
		fetcher:    fetcher,
		interval:   opts.Interval,
		logger:     opts.Logger,
		onError:    opts.OnError,
		now:        time.Now,
		baseCtx:    baseCtx,
		baseCancel: baseCancel,
	}
}

// Select 选中患者：立即拉取，之后每个间隔刷新一次
func (p *HistoryPoller) Select(patientID string) error {
	patientID = strings.TrimSpace(patientID)
	if patientID == "" {
		return errors.New("patient_id is required")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped {
		return ErrStopped
	}

	p.cancelLoopLocked()
	p.generation++
	p.selected = true
	// 新选中先显示空占位
	p.current = Selection{PatientID: patientID}

	loopCtx, cancel := context.WithCancel(p.baseCtx)
	p.loopCancel = cancel

	p.wg.Add(1)
	go p.loop(loopCtx, p.generation, patientID)

	p.logger.Info("Selected patient for history polling",
		zap.String("patient_id", patientID),
		zap.Duration("interval", p.interval),
	)
	return nil
}

// Deselect 取消选中并停止刷新
func (p *HistoryPoller) Deselect() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.selected {
		return
	}
	p.cancelLoopLocked()
	p.generation++
	p.selected = false
	p.current = Selection{}
	p.logger.Info("Deselected patient, history polling stopped")
}

// Stop 停止所有刷新并等待循环退出
func (p *HistoryPoller) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	p.cancelLoopLocked()
	p.generation++
	p.selected = false
	p.current = Selection{}
	p.mu.Unlock()

	p.baseCancel()
	p.wg.Wait()
}

// Current 当前选中患者的历史副本
func (p *HistoryPoller) Current() (Selection, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.selected {
		return Selection{}, false
	}
	sel := p.current
	sel.Points = append([]models.HistoryPoint(nil), p.current.Points...)
	return sel, true
}

func (p *HistoryPoller) cancelLoopLocked() {
	if p.loopCancel != nil {
		p.loopCancel()
		p.loopCancel = nil
	}
}

func (p *HistoryPoller) loop(ctx context.Context, generation uint64, patientID string) {
	defer p.wg.Done()

	p.fetch(generation, patientID)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.fetch(generation, patientID)
		}
	}
}

// fetch 拉取一次；切换选中不会中断进行中的请求，返回后按 generation 丢弃
func (p *HistoryPoller) fetch(generation uint64, patientID string) {
	points, err := p.fetcher.FetchHistory(p.baseCtx, patientID)

	p.mu.Lock()
	defer p.mu.Unlock()

	if generation != p.generation {
		p.logger.Debug("Discarding history for replaced selection",
			zap.String("patient_id", patientID),
			zap.Error(fmt.Errorf("%w: %s", ErrStaleTarget, patientID)),
		)
		return
	}

	if err != nil {
		// 保留上一次的历史
		p.current.LastError = err.Error()
		p.logger.Warn("History refresh failed",
			zap.String("patient_id", patientID),
			zap.Error(err),
		)
		if p.onError != nil {
			p.onError(err)
		}
		return
	}

	p.current.Points = points
	p.current.UpdatedAt = p.now()
	p.current.LastError = ""
}
