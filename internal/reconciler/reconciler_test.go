package reconciler

import (
	"fmt"
	"math/rand"
	"testing"
	"time"

	"wisefido-monitor/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestReconciler() *Reconciler {
	return New(zap.NewNop())
}

func patient(id string, status models.Status) models.PatientSummary {
	return models.PatientSummary{PatientID: id, Name: "Patient " + id, Status: status}
}

func ids(roster []models.PatientSummary) []string {
	out := make([]string, len(roster))
	for i, p := range roster {
		out[i] = p.PatientID
	}
	return out
}

func requireSorted(t *testing.T, roster []models.PatientSummary) {
	t.Helper()
	for i := 1; i < len(roster); i++ {
		prev, cur := roster[i-1], roster[i]
		rp, rc := models.SeverityRank(prev.Status), models.SeverityRank(cur.Status)
		require.True(t, rp < rc || (rp == rc && prev.PatientID < cur.PatientID),
			"roster not sorted at %d: %v", i, ids(roster))
	}
}

func TestApplyRosterSnapshot_SortsBySeverity(t *testing.T) {
	r := newTestReconciler()
	r.ApplyRosterSnapshot([]models.PatientSummary{
		patient("P4", models.StatusUnknown),
		patient("P3", models.StatusStable),
		patient("P2", models.StatusWarning),
		patient("P1", models.StatusCritical),
		patient("P0", models.Status("Discharged")),
	})

	roster := r.Roster()
	assert.Equal(t, []string{"P1", "P2", "P3", "P0", "P4"}, ids(roster))
	requireSorted(t, roster)
}

func TestApplyRosterSnapshot_ReplacesWholesaleAndDedups(t *testing.T) {
	r := newTestReconciler()
	r.ApplyRosterSnapshot([]models.PatientSummary{
		patient("P1", models.StatusStable),
		patient("P2", models.StatusStable),
	})
	r.ApplyRosterSnapshot([]models.PatientSummary{
		patient("P2", models.StatusStable),
		patient("P3", models.StatusWarning),
		patient("P3", models.StatusCritical),
		{PatientID: "", Name: "ignored"},
	})

	roster := r.Roster()
	assert.Equal(t, []string{"P3", "P2"}, ids(roster))
	assert.Equal(t, models.StatusCritical, roster[0].Status)
	_, ok := r.Patient("P1")
	assert.False(t, ok)
}

func TestApplyRosterSnapshot_PreservesNewerPushedVitals(t *testing.T) {
	r := newTestReconciler()
	t0 := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

	r.ApplyRosterSnapshot([]models.PatientSummary{patient("P1", models.StatusStable), patient("P2", models.StatusStable)})
	r.ApplyEvent(models.VitalUpdateEvent{
		PatientID: "P1", Status: models.StatusWarning,
		Vitals: models.VitalsSnapshot{HeartRate: 115, Timestamp: t0.Add(time.Minute)},
	})
	r.ApplyEvent(models.VitalUpdateEvent{
		PatientID: "P2", Status: models.StatusWarning,
		Vitals: models.VitalsSnapshot{HeartRate: 99, Timestamp: t0},
	})

	r.ApplyRosterSnapshot([]models.PatientSummary{
		// 快照体征较旧：保留推送体征，但状态以快照为准
		{PatientID: "P1", Name: "Renamed", Status: models.StatusStable,
			LatestVitals: &models.VitalsSnapshot{HeartRate: 80, Timestamp: t0}},
		// 快照体征较新：快照胜出
		{PatientID: "P2", Name: "B", Status: models.StatusStable,
			LatestVitals: &models.VitalsSnapshot{HeartRate: 72, Timestamp: t0.Add(time.Hour)}},
	})

	p1, ok := r.Patient("P1")
	require.True(t, ok)
	assert.Equal(t, "Renamed", p1.Name)
	assert.Equal(t, models.StatusStable, p1.Status)
	require.NotNil(t, p1.LatestVitals)
	assert.Equal(t, 115.0, p1.LatestVitals.HeartRate)

	p2, _ := r.Patient("P2")
	assert.Equal(t, 72.0, p2.LatestVitals.HeartRate)
}

func TestApplyRosterSnapshot_KeepsPushedVitalsWhenSnapshotHasNone(t *testing.T) {
	r := newTestReconciler()
	r.ApplyRosterSnapshot([]models.PatientSummary{patient("P1", models.StatusStable)})
	r.ApplyEvent(models.VitalUpdateEvent{PatientID: "P1", Status: models.StatusStable,
		Vitals: models.VitalsSnapshot{SpO2: 97, Timestamp: time.Now()}})

	r.ApplyRosterSnapshot([]models.PatientSummary{patient("P1", models.StatusWarning)})

	p, _ := r.Patient("P1")
	assert.Equal(t, models.StatusWarning, p.Status)
	require.NotNil(t, p.LatestVitals)
	assert.Equal(t, 97.0, p.LatestVitals.SpO2)
}

func TestNewAlert_ForcesCriticalAndInsertsAtFront(t *testing.T) {
	r := newTestReconciler()
	r.ApplyRosterSnapshot([]models.PatientSummary{patient("P1", models.StatusStable)})

	res := r.ApplyEvent(models.NewAlertEvent{Alert: models.Alert{AlertID: "A1", PatientID: "P1", Severity: "CRITICAL"}})
	assert.True(t, res.Inserted)
	assert.True(t, res.PatientUpdated)
	require.NotNil(t, res.Alert)
	assert.Equal(t, "A1", res.Alert.Key)

	roster := r.Roster()
	require.Len(t, roster, 1)
	assert.Equal(t, "P1", roster[0].PatientID)
	assert.Equal(t, models.StatusCritical, roster[0].Status)

	alerts := r.Alerts()
	require.Len(t, alerts, 1)
	assert.Equal(t, "A1", alerts[0].AlertID)

	r.ApplyEvent(models.NewAlertEvent{Alert: models.Alert{AlertID: "A2", PatientID: "P1"}})
	alerts = r.Alerts()
	assert.Equal(t, "A2", alerts[0].AlertID)
	assert.Equal(t, "A1", alerts[1].AlertID)
}

func TestNewAlert_ReordersRoster(t *testing.T) {
	r := newTestReconciler()
	r.ApplyRosterSnapshot([]models.PatientSummary{
		patient("P1", models.StatusCritical),
		patient("P2", models.StatusWarning),
		patient("P3", models.StatusStable),
	})

	r.ApplyEvent(&models.NewAlertEvent{Alert: models.Alert{AlertID: "A1", PatientID: "P3"}})
	assert.Equal(t, []string{"P1", "P3", "P2"}, ids(r.Roster()))
}

func TestNewAlert_DuplicateAlertID(t *testing.T) {
	r := newTestReconciler()
	ev := models.NewAlertEvent{Alert: models.Alert{AlertID: "A1", PatientID: "P1"}}

	first := r.ApplyEvent(ev)
	second := r.ApplyEvent(ev)

	assert.True(t, first.Inserted)
	assert.False(t, second.Inserted)
	assert.True(t, second.Duplicate)
	assert.Len(t, r.Alerts(), 1)
}

func TestNewAlert_UnknownPatientStillRecorded(t *testing.T) {
	r := newTestReconciler()
	res := r.ApplyEvent(models.NewAlertEvent{Alert: models.Alert{AlertID: "A1", PatientID: "ghost"}})
	assert.True(t, res.Inserted)
	assert.False(t, res.PatientUpdated)
	assert.Len(t, r.Alerts(), 1)
	assert.Empty(t, r.Roster())
}

func TestNewAlert_WithoutIDGetsPositionalKey(t *testing.T) {
	r := newTestReconciler()
	a := r.ApplyEvent(models.NewAlertEvent{Alert: models.Alert{PatientID: "P1", Message: "same"}})
	b := r.ApplyEvent(models.NewAlertEvent{Alert: models.Alert{PatientID: "P1", Message: "same"}})

	// 内容相同也不去重
	require.True(t, a.Inserted)
	require.True(t, b.Inserted)
	assert.NotEqual(t, a.Alert.Key, b.Alert.Key)
	assert.Len(t, r.Alerts(), 2)

	assert.True(t, r.RemoveAlert(a.Alert.Key))
	alerts := r.Alerts()
	require.Len(t, alerts, 1)
	assert.Equal(t, b.Alert.Key, alerts[0].Key)

	// 位置键不复用
	c := r.ApplyEvent(models.NewAlertEvent{Alert: models.Alert{PatientID: "P1"}})
	assert.NotEqual(t, a.Alert.Key, c.Alert.Key)
}

func TestNewAlert_BackendIDMatchingPositionalKeyIsNotDuplicate(t *testing.T) {
	r := newTestReconciler()
	pos := r.ApplyEvent(models.NewAlertEvent{Alert: models.Alert{PatientID: "P1"}})
	require.True(t, pos.Inserted)

	res := r.ApplyEvent(models.NewAlertEvent{Alert: models.Alert{AlertID: pos.Alert.Key, PatientID: "P2"}})
	assert.True(t, res.Inserted)
	assert.False(t, res.Duplicate)
	require.Len(t, r.Alerts(), 2)

	// 同名时先删带 alert_id 的，再删位置键
	assert.True(t, r.RemoveAlert(pos.Alert.Key))
	alerts := r.Alerts()
	require.Len(t, alerts, 1)
	assert.Empty(t, alerts[0].AlertID)
	assert.True(t, r.RemoveAlert(pos.Alert.Key))
	assert.False(t, r.RemoveAlert(pos.Alert.Key))
	assert.Empty(t, r.Alerts())
}

func TestNewAlert_PositionalKeySkipsLiveBackendID(t *testing.T) {
	r := newTestReconciler()
	r.ApplyEvent(models.NewAlertEvent{Alert: models.Alert{AlertID: "#1", PatientID: "P1"}})

	res := r.ApplyEvent(models.NewAlertEvent{Alert: models.Alert{PatientID: "P1"}})
	require.True(t, res.Inserted)
	assert.Equal(t, "#2", res.Alert.Key)
}

func TestRemoveAlert_Idempotent(t *testing.T) {
	r := newTestReconciler()
	r.ApplyEvent(models.NewAlertEvent{Alert: models.Alert{AlertID: "A1", PatientID: "P1"}})
	r.ApplyEvent(models.NewAlertEvent{Alert: models.Alert{AlertID: "A2", PatientID: "P1"}})

	assert.True(t, r.RemoveAlert("A1"))
	assert.False(t, r.RemoveAlert("A1"))
	assert.False(t, r.RemoveAlert("missing"))

	alerts := r.Alerts()
	require.Len(t, alerts, 1)
	assert.Equal(t, "A2", alerts[0].AlertID)

	// 删除后同 id 可以再次进入
	res := r.ApplyEvent(models.NewAlertEvent{Alert: models.Alert{AlertID: "A1", PatientID: "P1"}})
	assert.True(t, res.Inserted)
}

func TestClearAlerts(t *testing.T) {
	r := newTestReconciler()
	r.ApplyEvent(models.NewAlertEvent{Alert: models.Alert{AlertID: "A1", PatientID: "P1"}})
	r.ApplyEvent(models.NewAlertEvent{Alert: models.Alert{PatientID: "P2"}})

	assert.Equal(t, 2, r.ClearAlerts())
	assert.Empty(t, r.Alerts())
	assert.Equal(t, 0, r.ClearAlerts())

	res := r.ApplyEvent(models.NewAlertEvent{Alert: models.Alert{AlertID: "A1", PatientID: "P1"}})
	assert.True(t, res.Inserted)
}

func TestVitalUpdate_ReplacesVitalsAndStatus(t *testing.T) {
	r := newTestReconciler()
	r.ApplyRosterSnapshot([]models.PatientSummary{
		patient("P1", models.StatusStable),
		patient("P2", models.StatusWarning),
	})

	res := r.ApplyEvent(models.VitalUpdateEvent{
		PatientID: "P1", Status: models.StatusCritical,
		Vitals: models.VitalsSnapshot{HeartRate: 130, SpO2: 88},
	})
	assert.True(t, res.PatientUpdated)

	roster := r.Roster()
	assert.Equal(t, []string{"P1", "P2"}, ids(roster))
	assert.Equal(t, 130.0, roster[0].LatestVitals.HeartRate)

	// 整体替换：未给出的字段不保留旧值
	r.ApplyEvent(models.VitalUpdateEvent{
		PatientID: "P1", Status: models.StatusStable,
		Vitals: models.VitalsSnapshot{HeartRate: 75},
	})
	p, _ := r.Patient("P1")
	assert.Equal(t, 75.0, p.LatestVitals.HeartRate)
	assert.Equal(t, 0.0, p.LatestVitals.SpO2)
	assert.Equal(t, []string{"P2", "P1"}, ids(r.Roster()))
}

func TestVitalUpdate_LastWriteWins(t *testing.T) {
	r := newTestReconciler()
	r.ApplyRosterSnapshot([]models.PatientSummary{patient("P1", models.StatusStable)})

	r.ApplyEvent(models.VitalUpdateEvent{PatientID: "P1", Status: models.StatusCritical})
	r.ApplyEvent(models.VitalUpdateEvent{PatientID: "P1", Status: models.StatusWarning})

	p, _ := r.Patient("P1")
	assert.Equal(t, models.StatusWarning, p.Status)
}

func TestVitalUpdate_UnknownPatientDropped(t *testing.T) {
	r := newTestReconciler()
	r.ApplyRosterSnapshot([]models.PatientSummary{patient("P1", models.StatusStable)})

	res := r.ApplyEvent(models.VitalUpdateEvent{PatientID: "P404", Status: models.StatusCritical})
	assert.True(t, res.Dropped)
	assert.False(t, res.PatientUpdated)
	assert.Len(t, r.Roster(), 1)
	_, ok := r.Patient("P404")
	assert.False(t, ok)
}

func TestQueriesReturnCopies(t *testing.T) {
	r := newTestReconciler()
	r.ApplyRosterSnapshot([]models.PatientSummary{{PatientID: "P1", Status: models.StatusStable,
		LatestVitals: &models.VitalsSnapshot{HeartRate: 70}}})
	r.ApplyEvent(models.NewAlertEvent{Alert: models.Alert{AlertID: "A1", PatientID: "P1", Violations: []string{"v"}}})

	roster := r.Roster()
	roster[0].Status = models.StatusUnknown
	roster[0].LatestVitals.HeartRate = 1

	alerts := r.Alerts()
	alerts[0].Violations[0] = "changed"

	p, _ := r.Patient("P1")
	assert.Equal(t, models.StatusCritical, p.Status)
	assert.Equal(t, 70.0, p.LatestVitals.HeartRate)
	assert.Equal(t, "v", r.Alerts()[0].Violations[0])
}

func TestCounts(t *testing.T) {
	r := newTestReconciler()
	r.ApplyRosterSnapshot([]models.PatientSummary{
		patient("P1", models.StatusCritical),
		patient("P2", models.StatusWarning),
		patient("P3", models.StatusWarning),
		patient("P4", models.StatusStable),
		patient("P5", models.StatusUnknown),
	})
	assert.Equal(t, Counts{Total: 5, Critical: 1, Warning: 2, Stable: 1, Unknown: 1}, r.Counts())
}

// 随机交替应用快照与事件：名单始终与最近快照的 id 集合一一对应，并保持排序
func TestRandomSequences_RosterInvariants(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	statuses := []models.Status{models.StatusCritical, models.StatusWarning, models.StatusStable, models.StatusUnknown}

	r := newTestReconciler()
	latest := map[string]struct{}{}

	for step := 0; step < 2000; step++ {
		switch rng.Intn(4) {
		case 0:
			n := rng.Intn(8)
			snap := make([]models.PatientSummary, 0, n)
			latest = map[string]struct{}{}
			for i := 0; i < n; i++ {
				id := fmt.Sprintf("P%d", rng.Intn(10))
				snap = append(snap, patient(id, statuses[rng.Intn(len(statuses))]))
				latest[id] = struct{}{}
			}
			r.ApplyRosterSnapshot(snap)
		case 1:
			r.ApplyEvent(models.NewAlertEvent{Alert: models.Alert{
				AlertID:   fmt.Sprintf("A%d", rng.Intn(20)),
				PatientID: fmt.Sprintf("P%d", rng.Intn(12)),
			}})
		case 2:
			r.ApplyEvent(models.VitalUpdateEvent{
				PatientID: fmt.Sprintf("P%d", rng.Intn(12)),
				Status:    statuses[rng.Intn(len(statuses))],
			})
		case 3:
			r.RemoveAlert(fmt.Sprintf("A%d", rng.Intn(20)))
		}

		roster := r.Roster()
		seen := map[string]struct{}{}
		for _, p := range roster {
			_, dup := seen[p.PatientID]
			require.False(t, dup, "duplicate patient %s", p.PatientID)
			seen[p.PatientID] = struct{}{}
			_, inSnap := latest[p.PatientID]
			require.True(t, inSnap, "patient %s not in latest snapshot", p.PatientID)
		}
		require.Len(t, roster, len(latest))
		requireSorted(t, roster)

		keys := map[string]struct{}{}
		for _, a := range r.Alerts() {
			_, dup := keys[a.Key]
			require.False(t, dup, "duplicate alert key %s", a.Key)
			keys[a.Key] = struct{}{}
		}
	}
}
