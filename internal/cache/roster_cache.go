package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"wisefido-monitor/internal/models"

	"go.uber.org/zap"
)

// RosterKey 最近一次成功拉取的名单快照
const RosterKey = "monitor:roster:snapshot"

// DefaultRosterTTL 名单缓存默认有效期
const DefaultRosterTTL = 5 * time.Minute

// rosterEntry 缓存内容
type rosterEntry struct {
	SavedAt  time.Time               `json:"saved_at"`
	Patients []models.PatientSummary `json:"patients"`
}

// RosterCache 名单快照缓存：启动拉取失败时用于预热
type RosterCache struct {
	kv     KVStore
	ttl    time.Duration
	logger *zap.Logger
	now    func() time.Time
}

// NewRosterCache 创建名单缓存
func NewRosterCache(kv KVStore, ttl time.Duration, logger *zap.Logger) *RosterCache {
	if ttl <= 0 {
		ttl = DefaultRosterTTL
	}
	return &RosterCache{kv: kv, ttl: ttl, logger: logger, now: time.Now}
}

// SaveRoster 写入名单快照
func (c *RosterCache) SaveRoster(ctx context.Context, roster []models.PatientSummary) error {
	jsonData, err := json.Marshal(rosterEntry{SavedAt: c.now().UTC(), Patients: roster})
	if err != nil {
		return fmt.Errorf("failed to marshal roster: %w", err)
	}

	if err := c.kv.Set(ctx, RosterKey, string(jsonData), c.ttl); err != nil {
		return fmt.Errorf("failed to set roster cache: %w", err)
	}

	c.logger.Debug("Updated roster cache",
		zap.String("key", RosterKey),
		zap.Int("patient_count", len(roster)),
	)
	return nil
}

// LoadRoster 读取名单快照；不存在时返回 ErrCacheMiss
func (c *RosterCache) LoadRoster(ctx context.Context) ([]models.PatientSummary, time.Time, error) {
	val, err := c.kv.Get(ctx, RosterKey)
	if err != nil {
		return nil, time.Time{}, err
	}

	var entry rosterEntry
	if err := json.Unmarshal([]byte(val), &entry); err != nil {
		// 损坏的快照直接删除，下次成功拉取后重新写入
		if delErr := c.kv.Delete(ctx, RosterKey); delErr != nil {
			c.logger.Warn("Failed to evict corrupt roster cache", zap.Error(delErr))
		}
		return nil, time.Time{}, fmt.Errorf("failed to unmarshal roster cache: %w", err)
	}
	return entry.Patients, entry.SavedAt, nil
}
