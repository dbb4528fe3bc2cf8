package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"wisefido-monitor/common/mqtt"
	rediscommon "wisefido-monitor/common/redis"
	"wisefido-monitor/internal/auth"
	"wisefido-monitor/internal/cache"
	"wisefido-monitor/internal/config"
	"wisefido-monitor/internal/connection"
	"wisefido-monitor/internal/decoder"
	"wisefido-monitor/internal/httpapi"
	"wisefido-monitor/internal/metrics"
	"wisefido-monitor/internal/models"
	"wisefido-monitor/internal/notify"
	"wisefido-monitor/internal/poller"
	"wisefido-monitor/internal/reconciler"

	"go.uber.org/zap"
)

// push 通道启动失败（凭证不可用）后的重试退避
const (
	startBackoffInitial = time.Second
	startBackoffMax     = 30 * time.Second
)

// RosterFetcher 拉取名单
type RosterFetcher interface {
	FetchRoster(ctx context.Context) ([]models.PatientSummary, error)
}

// Deps 可替换的外部依赖（测试中注入）
type Deps struct {
	Roster      RosterFetcher
	History     poller.HistoryFetcher
	Credentials auth.CredentialProvider
	Dialer      connection.Dialer
	Scheduler   connection.Scheduler
	// KV 为空时不使用名单缓存
	KV cache.KVStore
	// Publisher 为空时不转发报警
	Publisher notify.Publisher
	Metrics   *metrics.Metrics
}

// MonitorService 病房监控客户端：合并名单拉取与实时推送
type MonitorService struct {
	config *config.Config
	logger *zap.Logger

	reconciler  *reconciler.Reconciler
	decoder     *decoder.Decoder
	roster      RosterFetcher
	history     *poller.HistoryPoller
	conn        *connection.Manager
	creds       auth.CredentialProvider
	rosterCache *cache.RosterCache
	relay       *notify.AlertRelay
	metrics     *metrics.Metrics
	router      *httpapi.Router

	// 由 New 创建、Stop 时释放
	redisClient *rediscommon.Client
	mqttClient  *mqtt.Client

	mu         sync.Mutex
	started    bool
	stopped    bool
	cancel     context.CancelFunc
	httpServer *http.Server
	wg         sync.WaitGroup
}

// New 创建监控服务（连接真实的后端、Redis、MQTT）
func New(cfg *config.Config, logger *zap.Logger) (*MonitorService, error) {
	deps := Deps{Metrics: metrics.New()}

	// 凭证
	switch cfg.Auth.Mode {
	case config.AuthModeCognito:
		p, err := auth.NewCognitoProvider(context.Background(), &cfg.Cognito, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create cognito provider: %w", err)
		}
		deps.Credentials = p
	default:
		deps.Credentials = auth.NewStaticProvider(cfg.Auth.Token)
	}

	client := poller.NewClient(poller.ClientOptions{
		BaseURL:    cfg.API.BaseURL,
		Timeout:    cfg.API.Timeout,
		RetryCount: cfg.API.Retry,
		Logger:     logger,
	}, deps.Credentials)
	deps.Roster = client
	deps.History = client

	deps.Dialer = connection.NewWebSocketDialer(cfg.API.Timeout)

	// 名单缓存（Redis 不可用时只记录，不影响启动）
	var redisClient *rediscommon.Client
	if cfg.Cache.Enabled {
		redisClient = rediscommon.NewRedisClient(&cfg.Redis)
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		err := rediscommon.Ping(ctx, redisClient)
		cancel()
		if err != nil {
			logger.Warn("Redis unavailable, roster cache disabled",
				zap.String("addr", cfg.Redis.Addr),
				zap.Error(err),
			)
			rediscommon.Close(redisClient)
			redisClient = nil
		} else {
			deps.KV = cache.NewRedisKVStore(redisClient, cfg.Cache.KeyPrefix)
		}
	}

	// 报警转发
	var mqttClient *mqtt.Client
	if cfg.Relay.Enabled {
		c, err := mqtt.NewClient(&cfg.MQTT, logger)
		if err != nil {
			rediscommon.Close(redisClient)
			return nil, fmt.Errorf("failed to connect to mqtt broker: %w", err)
		}
		mqttClient = c
		deps.Publisher = c
	}

	s := NewWithDeps(cfg, logger, deps)
	s.redisClient = redisClient
	s.mqttClient = mqttClient
	return s, nil
}

// NewWithDeps 使用给定依赖创建监控服务
func NewWithDeps(cfg *config.Config, logger *zap.Logger, deps Deps) *MonitorService {
	if deps.Metrics == nil {
		deps.Metrics = metrics.New()
	}

	s := &MonitorService{
		config:     cfg,
		logger:     logger,
		reconciler: reconciler.New(logger),
		decoder:    decoder.New(),
		roster:     deps.Roster,
		creds:      deps.Credentials,
		metrics:    deps.Metrics,
	}

	s.history = poller.NewHistoryPoller(context.Background(), deps.History, poller.HistoryOptions{
		Interval: cfg.Poll.HistoryInterval,
		Logger:   logger,
		OnError: func(error) {
			s.metrics.FetchFailures.WithLabelValues(metrics.SourceHistory).Inc()
		},
	})

	s.conn = connection.NewManager(connection.Options{
		URL:            cfg.Push.URL,
		ReconnectDelay: cfg.Push.ReconnectDelay,
		Dialer:         deps.Dialer,
		Scheduler:      deps.Scheduler,
		Logger:         logger,
	})
	s.conn.OnMessage(s.handleMessage)
	s.conn.AddListener(s.onSignal)

	if deps.KV != nil {
		s.rosterCache = cache.NewRosterCache(deps.KV, cfg.Cache.TTL, logger)
	}

	if deps.Publisher != nil {
		s.relay = notify.NewAlertRelay(deps.Publisher, cfg.Relay.Topic, cfg.MQTT.QoS, cfg.Relay.QueueSize, logger)
		s.relay.OnResult = func(err error) {
			result := "ok"
			if err != nil {
				result = "error"
				s.metrics.FetchFailures.WithLabelValues(metrics.SourceRelay).Inc()
			}
			s.metrics.AlertsRelayedTotal.WithLabelValues(result).Inc()
		}
	}

	s.router = httpapi.NewRouter(logger)
	s.router.RegisterMonitorRoutes(httpapi.NewMonitorHandler(s, s.history, s, logger))
	s.router.HandleHandler("/metrics", s.metrics.Handler())

	return s
}

// Start 启动服务（非阻塞）
func (s *MonitorService) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errors.New("monitor service already started")
	}
	s.started = true
	ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	s.logger.Info("Starting monitor service",
		zap.String("api_base_url", s.config.API.BaseURL),
		zap.Duration("reconnect_delay", s.config.Push.ReconnectDelay),
		zap.Duration("history_interval", s.config.Poll.HistoryInterval),
		zap.Duration("roster_interval", s.config.Poll.RosterInterval),
		zap.Bool("roster_cache_enabled", s.rosterCache != nil),
		zap.Bool("alert_relay_enabled", s.relay != nil),
	)

	if s.relay != nil {
		s.relay.Start()
	}

	// 启动时拉取一次名单
	s.refreshRoster(ctx, true)

	if s.config.Poll.RosterInterval > 0 {
		s.wg.Add(1)
		go s.rosterLoop(ctx, s.config.Poll.RosterInterval)
	}

	s.wg.Add(1)
	go s.connectLoop(ctx)

	if s.config.HTTP.Addr != "" {
		s.httpServer = &http.Server{
			Addr:              s.config.HTTP.Addr,
			Handler:           s.router,
			ReadHeaderTimeout: 5 * time.Second,
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.logger.Info("Local query API listening", zap.String("addr", s.config.HTTP.Addr))
			if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.logger.Error("Local query API stopped", zap.Error(err))
			}
		}()
	}

	return nil
}

// Stop 停止服务；可重复调用
func (s *MonitorService) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	cancel := s.cancel
	s.mu.Unlock()

	s.logger.Info("Stopping monitor service")

	if cancel != nil {
		cancel()
	}

	var errs []error
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to shutdown http server: %w", err))
		}
	}
	// 等 connectLoop 退出后再停推送通道，之后不会再有 Start
	s.wg.Wait()
	s.conn.Stop()
	s.history.Stop()

	if s.relay != nil {
		s.relay.Stop()
	}
	if s.mqttClient != nil {
		s.mqttClient.Disconnect()
	}
	if err := rediscommon.Close(s.redisClient); err != nil {
		errs = append(errs, fmt.Errorf("failed to close redis: %w", err))
	}

	return errors.Join(errs...)
}

// Handler 本地查询接口（测试与嵌入使用）
func (s *MonitorService) Handler() http.Handler {
	return s.router
}

// connectLoop 启动推送通道；凭证不可用时指数退避重试
func (s *MonitorService) connectLoop(ctx context.Context) {
	defer s.wg.Done()

	backoff := startBackoffInitial
	for {
		err := s.conn.Start(ctx, s.creds)
		if err == nil || errors.Is(err, connection.ErrAlreadyStarted) || errors.Is(err, connection.ErrStopped) {
			return
		}

		s.logger.Warn("Push channel not started, retrying",
			zap.Error(err),
			zap.Duration("backoff", backoff),
		)
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > startBackoffMax {
			backoff = startBackoffMax
		}
	}
}

func (s *MonitorService) rosterLoop(ctx context.Context, interval time.Duration) {
	defer s.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.refreshRoster(ctx, false)
		}
	}
}

// refreshRoster 拉取并应用名单快照；启动时拉取失败则用缓存预热
func (s *MonitorService) refreshRoster(ctx context.Context, startup bool) {
	roster, err := s.roster.FetchRoster(ctx)
	if err != nil {
		s.metrics.FetchFailures.WithLabelValues(metrics.SourceRoster).Inc()
		s.logger.Error("Failed to fetch roster", zap.Bool("startup", startup), zap.Error(err))
		if startup {
			s.warmStart(ctx)
		}
		return
	}

	s.reconciler.ApplyRosterSnapshot(roster)
	s.observeState()
	s.logger.Info("Roster snapshot applied", zap.Int("patient_count", len(roster)))

	if s.rosterCache != nil {
		if err := s.rosterCache.SaveRoster(ctx, roster); err != nil {
			s.logger.Warn("Failed to cache roster", zap.Error(err))
		}
	}
}

func (s *MonitorService) warmStart(ctx context.Context) {
	if s.rosterCache == nil {
		return
	}
	roster, savedAt, err := s.rosterCache.LoadRoster(ctx)
	if err != nil {
		if !errors.Is(err, cache.ErrCacheMiss) {
			s.logger.Warn("Failed to load cached roster", zap.Error(err))
		}
		return
	}
	s.reconciler.ApplyRosterSnapshot(roster)
	s.observeState()
	s.logger.Info("Applied cached roster",
		zap.Int("patient_count", len(roster)),
		zap.Time("saved_at", savedAt),
	)
}

// handleMessage 读循环中逐帧调用：解码后交给 Reconciler
func (s *MonitorService) handleMessage(data []byte) {
	ev, err := s.decoder.Decode(data)
	if err != nil {
		kind := "unknown"
		var de *decoder.DecodeError
		if errors.As(err, &de) {
			kind = string(de.Kind)
		}
		s.metrics.DecodeErrors.WithLabelValues(kind).Inc()
		if decoder.IsKind(err, decoder.UnrecognizedAction) {
			s.logger.Debug("Ignoring push frame", zap.Error(err))
		} else {
			s.logger.Warn("Dropping malformed push frame", zap.Error(err), zap.Int("size", len(data)))
		}
		return
	}

	res := s.reconciler.ApplyEvent(ev)
	s.metrics.EventsApplied.WithLabelValues(string(res.Kind), outcome(res)).Inc()
	s.observeState()

	switch e := ev.(type) {
	case models.NewAlertEvent:
		s.logger.Info("Alert received",
			zap.String("alert_id", e.Alert.AlertID),
			zap.String("patient_id", e.Alert.PatientID),
			zap.Bool("duplicate", res.Duplicate),
		)
	case models.VitalUpdateEvent:
		if res.Dropped {
			s.logger.Debug("Vital update for patient not in roster", zap.String("patient_id", e.PatientID))
		}
	}

	if res.Inserted && res.Alert != nil && s.relay != nil {
		s.relay.Enqueue(*res.Alert)
	}
}

func outcome(res reconciler.ApplyResult) string {
	switch {
	case res.Inserted:
		return "inserted"
	case res.Duplicate:
		return "duplicate"
	case res.Dropped:
		return "dropped"
	case res.PatientUpdated:
		return "updated"
	default:
		return "ignored"
	}
}

// onSignal 连接生命周期信号
func (s *MonitorService) onSignal(sig connection.Signal) {
	s.metrics.ConnectionState.Set(float64(s.conn.State()))
	if sig.Kind == connection.SignalReconnectScheduled {
		s.metrics.ReconnectsTotal.Inc()
	}
}

func (s *MonitorService) observeState() {
	c := s.reconciler.Counts()
	s.metrics.ObserveRoster(c.Total, c.Critical, c.Warning, c.Stable, c.Unknown, s.reconciler.AlertCount())
}

// 以下方法供本地查询接口使用

func (s *MonitorService) Roster() []models.PatientSummary { return s.reconciler.Roster() }

func (s *MonitorService) Patient(id string) (models.PatientSummary, bool) {
	return s.reconciler.Patient(id)
}

func (s *MonitorService) Alerts() []models.Alert { return s.reconciler.Alerts() }

func (s *MonitorService) Counts() reconciler.Counts { return s.reconciler.Counts() }

func (s *MonitorService) RemoveAlert(key string) bool {
	removed := s.reconciler.RemoveAlert(key)
	s.observeState()
	return removed
}

func (s *MonitorService) ClearAlerts() int {
	n := s.reconciler.ClearAlerts()
	s.observeState()
	return n
}

func (s *MonitorService) StateName() string { return s.conn.State().String() }

func (s *MonitorService) SessionID() string { return s.conn.SessionID() }
