package reconciler

import (
	"fmt"
	"sort"
	"sync"

	"wisefido-monitor/internal/models"

	"go.uber.org/zap"
)

// ApplyResult ApplyEvent 的处理结果
type ApplyResult struct {
	Kind models.EventKind
	// Inserted newAlert 插入了新报警
	Inserted bool
	// Duplicate newAlert 的 alert_id 已存在
	Duplicate bool
	// Dropped vitalUpdate 的患者不在名单中
	Dropped bool
	// PatientUpdated 名单中患者状态或体征被改写
	PatientUpdated bool
	// Alert 插入后的报警（含分配的 Key）
	Alert *models.Alert
}

// Counts 名单统计
type Counts struct {
	Total    int `json:"total"`
	Critical int `json:"critical"`
	Warning  int `json:"warning"`
	Stable   int `json:"stable"`
	Unknown  int `json:"unknown"`
}

// Reconciler 合并 roster 快照（拉取）与推送事件，是名单和报警列表的唯一持有者。
// 所有修改都经过同一把锁，两个数据源在这里按到达顺序串行化（后写者胜）。
type Reconciler struct {
	mu     sync.Mutex
	roster []models.PatientSummary
	// index patient_id -> roster 下标，每次排序后重建
	index  map[string]int
	alerts []models.Alert
	// ids 后端 alert_id，用于去重；positional 无 alert_id 报警的位置键。两者互不影响
	ids        map[string]struct{}
	positional map[string]struct{}
	// seq 位置键序号，会话内单调递增
	seq    uint64
	logger *zap.Logger
}

// New 创建 Reconciler
func New(logger *zap.Logger) *Reconciler {
	return &Reconciler{
		index:      make(map[string]int),
		ids:        make(map[string]struct{}),
		positional: make(map[string]struct{}),
		logger:     logger,
	}
}

// ApplyRosterSnapshot 用快照整体替换名单。
// 快照决定 name/status；推送得到的 latest_vitals 比快照新（或快照没有体征）时保留。
func (r *Reconciler) ApplyRosterSnapshot(snapshot []models.PatientSummary) {
	r.mu.Lock()
	defer r.mu.Unlock()

	next := make([]models.PatientSummary, 0, len(snapshot))
	pos := make(map[string]int, len(snapshot))
	preserved := 0

	for _, p := range snapshot {
		if p.PatientID == "" {
			continue
		}
		p = p.Clone()
		if p.Status == "" {
			p.Status = models.StatusUnknown
		}

		if i, ok := r.index[p.PatientID]; ok {
			local := r.roster[i].LatestVitals
			if local != nil && (p.LatestVitals == nil || local.Timestamp.After(p.LatestVitals.Timestamp)) {
				v := *local
				p.LatestVitals = &v
				preserved++
			}
		}

		// 同一快照内重复的 id 以最后一条为准
		if j, dup := pos[p.PatientID]; dup {
			next[j] = p
			continue
		}
		pos[p.PatientID] = len(next)
		next = append(next, p)
	}

	r.roster = next
	r.sortLocked()

	r.logger.Debug("Applied roster snapshot",
		zap.Int("snapshot_size", len(snapshot)),
		zap.Int("roster_size", len(r.roster)),
		zap.Int("preserved_vitals", preserved),
	)
}

// ApplyEvent 应用一条推送事件
func (r *Reconciler) ApplyEvent(ev models.Event) ApplyResult {
	switch e := ev.(type) {
	case models.NewAlertEvent:
		return r.applyNewAlert(e)
	case *models.NewAlertEvent:
		return r.applyNewAlert(*e)
	case models.VitalUpdateEvent:
		return r.applyVitalUpdate(e)
	case *models.VitalUpdateEvent:
		return r.applyVitalUpdate(*e)
	default:
		r.logger.Warn("Ignoring unsupported event", zap.String("type", fmt.Sprintf("%T", ev)))
		return ApplyResult{}
	}
}

func (r *Reconciler) applyNewAlert(e models.NewAlertEvent) ApplyResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	res := ApplyResult{Kind: models.EventNewAlert}
	alert := e.Alert.Clone()

	if alert.AlertID != "" {
		if _, exists := r.ids[alert.AlertID]; exists {
			res.Duplicate = true
			return res
		}
		alert.Key = alert.AlertID
		r.ids[alert.AlertID] = struct{}{}
	} else {
		alert.Key = r.nextPositionalKeyLocked()
		r.positional[alert.Key] = struct{}{}
	}

	r.alerts = append([]models.Alert{alert}, r.alerts...)
	res.Inserted = true
	inserted := alert.Clone()
	res.Alert = &inserted

	// 报警对应的患者强制置为 Critical
	if i, ok := r.index[alert.PatientID]; ok {
		r.roster[i].Status = models.StatusCritical
		r.sortLocked()
		res.PatientUpdated = true
	}

	return res
}

func (r *Reconciler) nextPositionalKeyLocked() string {
	for {
		r.seq++
		key := fmt.Sprintf("#%d", r.seq)
		// 跳过与现有后端 alert_id 相同的键
		if _, exists := r.ids[key]; !exists {
			return key
		}
	}
}

func (r *Reconciler) applyVitalUpdate(e models.VitalUpdateEvent) ApplyResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	res := ApplyResult{Kind: models.EventVitalUpdate}

	i, ok := r.index[e.PatientID]
	if !ok {
		// 名单未加载或患者不在名单中：丢弃，等待下一次快照
		res.Dropped = true
		return res
	}

	vitals := e.Vitals
	status := e.Status
	if status == "" {
		status = models.StatusUnknown
	}
	r.roster[i].Status = status
	r.roster[i].LatestVitals = &vitals
	r.sortLocked()
	res.PatientUpdated = true

	return res
}

// RemoveAlert 按 alert_id 或位置键删除报警；不存在时为空操作。
// 后端 alert_id 与位置键相同时先删除带 alert_id 的报警。
func (r *Reconciler) RemoveAlert(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.ids[key]; ok {
		r.removeLocked(func(a models.Alert) bool { return a.AlertID == key })
		delete(r.ids, key)
		return true
	}
	if _, ok := r.positional[key]; ok {
		r.removeLocked(func(a models.Alert) bool { return a.AlertID == "" && a.Key == key })
		delete(r.positional, key)
		return true
	}
	return false
}

func (r *Reconciler) removeLocked(match func(models.Alert) bool) {
	for i := range r.alerts {
		if match(r.alerts[i]) {
			r.alerts = append(r.alerts[:i], r.alerts[i+1:]...)
			return
		}
	}
}

// ClearAlerts 清空报警列表，返回清除的数量
func (r *Reconciler) ClearAlerts() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := len(r.alerts)
	r.alerts = nil
	r.ids = make(map[string]struct{})
	r.positional = make(map[string]struct{})
	return n
}

// Roster 名单副本（按严重度排序）
func (r *Reconciler) Roster() []models.PatientSummary {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]models.PatientSummary, len(r.roster))
	for i, p := range r.roster {
		out[i] = p.Clone()
	}
	return out
}

// Patient 按 id 查询患者
func (r *Reconciler) Patient(id string) (models.PatientSummary, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	i, ok := r.index[id]
	if !ok {
		return models.PatientSummary{}, false
	}
	return r.roster[i].Clone(), true
}

// Alerts 报警列表副本（最新的在前）
func (r *Reconciler) Alerts() []models.Alert {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]models.Alert, len(r.alerts))
	for i, a := range r.alerts {
		out[i] = a.Clone()
	}
	return out
}

// Counts 按状态统计名单
func (r *Reconciler) Counts() Counts {
	r.mu.Lock()
	defer r.mu.Unlock()

	c := Counts{Total: len(r.roster)}
	for _, p := range r.roster {
		switch p.Status {
		case models.StatusCritical:
			c.Critical++
		case models.StatusWarning:
			c.Warning++
		case models.StatusStable:
			c.Stable++
		default:
			c.Unknown++
		}
	}
	return c
}

// AlertCount 当前报警数
func (r *Reconciler) AlertCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.alerts)
}

// sortLocked 按严重度排序，同级按 patient_id，保证多次排序结果一致
func (r *Reconciler) sortLocked() {
	sort.SliceStable(r.roster, func(i, j int) bool {
		ri := models.SeverityRank(r.roster[i].Status)
		rj := models.SeverityRank(r.roster[j].Status)
		if ri != rj {
			return ri < rj
		}
		return r.roster[i].PatientID < r.roster[j].PatientID
	})

	r.index = make(map[string]int, len(r.roster))
	for i, p := range r.roster {
		r.index[p.PatientID] = i
	}
}
