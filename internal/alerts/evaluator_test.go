package alerts

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/lorekeep/lorekeep/internal/observability"
	"github.com/lorekeep/lorekeep/pkg/models"
)

func testLogger() *observability.Logger {
	return observability.NewLogger(observability.LogConfig{Output: io.Discard})
}

type fakePolicies struct{ content map[string]any }

func (f fakePolicies) Active(ctx context.Context, tenantID, siteID, name string) (models.PolicyVersion, error) {
	return models.PolicyVersion{Name: name, Version: "v1", Active: true, Content: f.content}, nil
}

type fakeMetrics struct{ metrics models.TraceMetrics }

func (f fakeMetrics) Metrics(ctx context.Context, filter models.TraceFilter) (models.TraceMetrics, error) {
	return f.metrics, nil
}

type captureNotifier struct {
	mu   sync.Mutex
	sent []models.Alert
	fail bool
}

func (c *captureNotifier) Notify(ctx context.Context, alert models.Alert) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		return context.DeadlineExceeded
	}
	c.sent = append(c.sent, alert)
	return nil
}

func rulesContent(t *testing.T) map[string]any {
	t.Helper()
	var content map[string]any
	err := json.Unmarshal([]byte(`{
		"window_minutes": 15,
		"min_turns": 20,
		"rules": [
			{"code": "fallback_rate_high", "name": "LLM fallback rate high", "severity": "high",
			 "metric": "fallback_rate", "condition": ">", "threshold": 0.3, "window": "15m"},
			{"code": "success_rate_low", "name": "Turn success rate low", "severity": "critical",
			 "metric": "success_rate", "condition": "<", "threshold": 0.9, "window": "15m"},
			{"code": "citation_rate_low", "name": "Citation rate low", "severity": "low",
			 "metric": "citation_rate", "condition": "<", "threshold": 0.4, "window": "15m"}
		]
	}`), &content)
	if err != nil {
		t.Fatalf("rules content: %v", err)
	}
	return content
}

func healthyMetrics() models.TraceMetrics {
	return models.TraceMetrics{
		Turns:        100,
		SuccessRate:  0.98,
		FallbackRate: 0.05,
		RefuseRate:   0.01,
		CitationRate: 0.8,
		P95LatencyMS: 1200,
	}
}

func newEvaluator(t *testing.T, metrics models.TraceMetrics, opts ...EvaluatorOption) (*Evaluator, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	e := NewEvaluator(fakePolicies{content: rulesContent(t)}, fakeMetrics{metrics: metrics},
		NewEventStore(db), testLogger(), opts...)
	return e, mock, func() { db.Close() }
}

func emptySilences() *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "tenant_id", "site_id", "code", "severity", "reason", "starts_at", "ends_at", "created_at"})
}

func emptyEvents() *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "tenant_id", "site_id", "alert_code", "window_label", "severity", "status",
		"current_value", "threshold", "first_seen_at", "last_seen_at", "resolved_at", "webhook_sent",
		"release_id", "experiment_id"})
}

func TestEvaluateFiresAndNotifies(t *testing.T) {
	metrics := healthyMetrics()
	metrics.FallbackRate = 0.5
	notifier := &captureNotifier{}
	e, mock, done := newEvaluator(t, metrics, WithNotifier(notifier))
	defer done()

	mock.ExpectQuery(`SELECT .* FROM alert_silences`).WillReturnRows(emptySilences())
	mock.ExpectQuery(`SELECT .* FROM alert_events .* status = 'firing'`).WillReturnRows(emptyEvents())
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT id, status FROM alert_events`).
		WithArgs("t1", "s1", "fallback_rate_high", "15m").
		WillReturnRows(sqlmock.NewRows([]string{"id", "status"}))
	mock.ExpectQuery(`INSERT INTO alert_events`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(7)))
	mock.ExpectCommit()
	mock.ExpectExec(`UPDATE alert_events SET webhook_sent = \$2`).
		WithArgs(int64(7), WebhookSent).
		WillReturnResult(sqlmock.NewResult(0, 1))

	report, err := e.EvaluateSite(context.Background(), "t1", "s1")
	if err != nil {
		t.Fatalf("EvaluateSite: %v", err)
	}
	if len(report.Firing) != 1 || report.Firing[0].Rule.Code != "fallback_rate_high" {
		t.Fatalf("Firing = %+v", report.Firing)
	}
	if len(report.NewlyFiring) != 1 {
		t.Errorf("NewlyFiring = %v", report.NewlyFiring)
	}
	if len(notifier.sent) != 1 || notifier.sent[0].CurrentValue != 0.5 {
		t.Errorf("notifications = %+v", notifier.sent)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("expectations: %v", err)
	}
}

func TestEvaluateSkipsLowSeverityWebhook(t *testing.T) {
	metrics := healthyMetrics()
	metrics.CitationRate = 0.1
	notifier := &captureNotifier{}
	e, mock, done := newEvaluator(t, metrics, WithNotifier(notifier))
	defer done()

	mock.ExpectQuery(`SELECT .* FROM alert_silences`).WillReturnRows(emptySilences())
	mock.ExpectQuery(`SELECT .* FROM alert_events .* status = 'firing'`).WillReturnRows(emptyEvents())
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT id, status FROM alert_events`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "status"}))
	mock.ExpectQuery(`INSERT INTO alert_events`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(8)))
	mock.ExpectCommit()
	mock.ExpectExec(`UPDATE alert_events SET webhook_sent = \$2`).
		WithArgs(int64(8), WebhookSkipped).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if _, err := e.EvaluateSite(context.Background(), "t1", "s1"); err != nil {
		t.Fatalf("EvaluateSite: %v", err)
	}
	if len(notifier.sent) != 0 {
		t.Errorf("low severity alert notified: %+v", notifier.sent)
	}
}

func TestEvaluateSkipsBelowMinTurns(t *testing.T) {
	metrics := healthyMetrics()
	metrics.Turns = 5
	metrics.FallbackRate = 0.9
	e, mock, done := newEvaluator(t, metrics)
	defer done()

	report, err := e.EvaluateSite(context.Background(), "t1", "s1")
	if err != nil {
		t.Fatalf("EvaluateSite: %v", err)
	}
	if !report.Skipped || len(report.Firing) != 0 {
		t.Errorf("report = %+v", report)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("low-volume pass touched the store: %v", err)
	}
}

func TestEvaluateStillFiringDoesNotRenotify(t *testing.T) {
	metrics := healthyMetrics()
	metrics.FallbackRate = 0.5
	notifier := &captureNotifier{}
	e, mock, done := newEvaluator(t, metrics, WithNotifier(notifier))
	defer done()

	firing := emptyEvents().AddRow(int64(7), "t1", "s1", "fallback_rate_high", "15m", "high", "firing",
		0.4, 0.3, time.Now().Add(-time.Hour), time.Now().Add(-time.Minute), nil, WebhookSent, "", "")

	mock.ExpectQuery(`SELECT .* FROM alert_silences`).WillReturnRows(emptySilences())
	mock.ExpectQuery(`SELECT .* FROM alert_events .* status = 'firing'`).WillReturnRows(firing)
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT id, status FROM alert_events`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "status"}).AddRow(int64(7), "firing"))
	mock.ExpectExec(`UPDATE alert_events SET current_value = \$2, last_seen_at = now\(\)`).
		WithArgs(int64(7), 0.5).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	report, err := e.EvaluateSite(context.Background(), "t1", "s1")
	if err != nil {
		t.Fatalf("EvaluateSite: %v", err)
	}
	if len(report.NewlyFiring) != 0 {
		t.Errorf("continuing episode reported as new: %v", report.NewlyFiring)
	}
	if len(notifier.sent) != 0 {
		t.Errorf("continuing episode re-notified: %+v", notifier.sent)
	}
}

func TestEvaluateResolvesClearedCondition(t *testing.T) {
	e, mock, done := newEvaluator(t, healthyMetrics())
	defer done()

	firing := emptyEvents().AddRow(int64(9), "t1", "s1", "fallback_rate_high", "15m", "high", "firing",
		0.4, 0.3, time.Now().Add(-time.Hour), time.Now().Add(-time.Minute), nil, WebhookSent, "", "")

	mock.ExpectQuery(`SELECT .* FROM alert_silences`).WillReturnRows(emptySilences())
	mock.ExpectQuery(`SELECT .* FROM alert_events .* status = 'firing'`).WillReturnRows(firing)
	mock.ExpectExec(`UPDATE alert_events SET status = 'resolved'`).
		WithArgs(int64(9)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	report, err := e.EvaluateSite(context.Background(), "t1", "s1")
	if err != nil {
		t.Fatalf("EvaluateSite: %v", err)
	}
	if len(report.Resolved) != 1 || report.Resolved[0] != "fallback_rate_high" {
		t.Errorf("Resolved = %v", report.Resolved)
	}
}

func TestEvaluateSilencedAlertSkipsWebhook(t *testing.T) {
	metrics := healthyMetrics()
	metrics.FallbackRate = 0.5
	notifier := &captureNotifier{}
	e, mock, done := newEvaluator(t, metrics, WithNotifier(notifier))
	defer done()

	now := time.Now()
	silences := emptySilences().AddRow(int64(1), "t1", "s1", "fallback_rate_high", "", "maintenance",
		now.Add(-time.Hour), now.Add(time.Hour), now.Add(-time.Hour))

	mock.ExpectQuery(`SELECT .* FROM alert_silences`).WillReturnRows(silences)
	mock.ExpectQuery(`SELECT .* FROM alert_events .* status = 'firing'`).WillReturnRows(emptyEvents())
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT id, status FROM alert_events`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "status"}))
	mock.ExpectQuery(`INSERT INTO alert_events`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(11)))
	mock.ExpectCommit()
	mock.ExpectExec(`UPDATE alert_events SET webhook_sent = \$2`).
		WithArgs(int64(11), WebhookSkipped).
		WillReturnResult(sqlmock.NewResult(0, 1))

	report, err := e.EvaluateSite(context.Background(), "t1", "s1")
	if err != nil {
		t.Fatalf("EvaluateSite: %v", err)
	}
	if report.Silenced != 1 {
		t.Errorf("Silenced = %d", report.Silenced)
	}
	if len(notifier.sent) != 0 {
		t.Errorf("silenced alert notified: %+v", notifier.sent)
	}
}

func TestRefireAfterResolutionIsNewEpisode(t *testing.T) {
	metrics := healthyMetrics()
	metrics.FallbackRate = 0.5
	notifier := &captureNotifier{}
	e, mock, done := newEvaluator(t, metrics, WithNotifier(notifier))
	defer done()

	mock.ExpectQuery(`SELECT .* FROM alert_silences`).WillReturnRows(emptySilences())
	mock.ExpectQuery(`SELECT .* FROM alert_events .* status = 'firing'`).WillReturnRows(emptyEvents())
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT id, status FROM alert_events`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "status"}).AddRow(int64(7), "resolved"))
	mock.ExpectExec(`UPDATE alert_events SET status = 'firing'`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	mock.ExpectExec(`UPDATE alert_events SET webhook_sent = \$2`).
		WithArgs(int64(7), WebhookSent).
		WillReturnResult(sqlmock.NewResult(0, 1))

	report, err := e.EvaluateSite(context.Background(), "t1", "s1")
	if err != nil {
		t.Fatalf("EvaluateSite: %v", err)
	}
	if len(report.NewlyFiring) != 1 {
		t.Errorf("refire not treated as new episode: %v", report.NewlyFiring)
	}
	if len(notifier.sent) != 1 {
		t.Errorf("refire not notified: %+v", notifier.sent)
	}
}

func TestCompareConditions(t *testing.T) {
	cases := []struct {
		value     float64
		condition string
		threshold float64
		want      bool
	}{
		{0.5, ">", 0.3, true},
		{0.2, ">", 0.3, false},
		{0.8, "<", 0.9, true},
		{0.9, ">=", 0.9, true},
		{0.9, "<=", 0.9, true},
		{0.9, "==", 0.9, true},
		{0.5, "gt", 0.3, true},
		{0.5, "bogus", 0.3, false},
	}
	for _, tc := range cases {
		if got := compare(tc.value, tc.condition, tc.threshold); got != tc.want {
			t.Errorf("compare(%v %s %v) = %v", tc.value, tc.condition, tc.threshold, got)
		}
	}
}

func TestMetricValueLookup(t *testing.T) {
	m := healthyMetrics()
	if v, ok := metricValue(m, "p95_latency_ms"); !ok || v != 1200 {
		t.Errorf("p95 = %v %v", v, ok)
	}
	if v, ok := metricValue(m, "turns"); !ok || v != 100 {
		t.Errorf("turns = %v %v", v, ok)
	}
	if _, ok := metricValue(m, "unknown_metric"); ok {
		t.Error("unknown metric resolved")
	}
}
