package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	redis "github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/recurra/internal/clock"
	"github.com/smallbiznis/recurra/internal/config"
	customerrepo "github.com/smallbiznis/recurra/internal/customer/repository"
	invoicedomain "github.com/smallbiznis/recurra/internal/invoice/domain"
	invoicetemplaterepo "github.com/smallbiznis/recurra/internal/invoicetemplate/repository"
	"github.com/smallbiznis/recurra/internal/migration/migrationtest"
	"github.com/smallbiznis/recurra/internal/projection"
	"github.com/smallbiznis/recurra/internal/ratelimit"
	recurringdomain "github.com/smallbiznis/recurra/internal/recurring/domain"
	"github.com/smallbiznis/recurra/internal/recurring/recurringtest"
	recurringrepo "github.com/smallbiznis/recurra/internal/recurring/repository"
	"github.com/smallbiznis/recurra/internal/scheduler"
	schedulertesting "github.com/smallbiznis/recurra/internal/scheduler/testing"
	"github.com/smallbiznis/recurra/internal/seed"
	usagedomain "github.com/smallbiznis/recurra/internal/usage/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeRunner struct {
	calls  []scheduler.RunOptions
	result scheduler.BatchResult
	err    error
}

func (f *fakeRunner) RunRecurring(ctx context.Context, opts scheduler.RunOptions) (scheduler.BatchResult, error) {
	f.calls = append(f.calls, opts)
	return f.result, f.err
}

type fakeProjector struct {
	templateID string
	horizonEnd time.Time
	result     projection.Result
	err        error
}

func (f *fakeProjector) Project(ctx context.Context, templateID string, horizonEnd time.Time) (projection.Result, error) {
	f.templateID = templateID
	f.horizonEnd = horizonEnd
	return f.result, f.err
}

type fakeTemplateService struct {
	err     error
	deleted []string
}

func (f *fakeTemplateService) Get(ctx context.Context, id string) (recurringdomain.Template, error) {
	return recurringdomain.Template{Name: "Hosting", Status: recurringdomain.StatusActive}, f.err
}

func (f *fakeTemplateService) Pause(ctx context.Context, id string) (recurringdomain.Template, error) {
	return recurringdomain.Template{Name: "Hosting", Status: recurringdomain.StatusPaused}, f.err
}

func (f *fakeTemplateService) Resume(ctx context.Context, id string) (recurringdomain.Template, error) {
	return recurringdomain.Template{Name: "Hosting", Status: recurringdomain.StatusActive}, f.err
}

func (f *fakeTemplateService) Delete(ctx context.Context, id string) error {
	if f.err != nil {
		return f.err
	}
	f.deleted = append(f.deleted, id)
	return nil
}

type fakeInvoiceService struct {
	invoicedomain.Service
	templateID string
	limit      int
	invoices   []invoicedomain.Invoice
	err        error
}

func (f *fakeInvoiceService) GetByID(ctx context.Context, id string) (invoicedomain.Invoice, error) {
	if f.err != nil {
		return invoicedomain.Invoice{}, f.err
	}
	return invoicedomain.Invoice{ID: snowflake.ID(77), InvoiceNo: 77}, nil
}

func (f *fakeInvoiceService) ListByTemplate(ctx context.Context, templateID string, limit int) ([]invoicedomain.Invoice, error) {
	f.templateID = templateID
	f.limit = limit
	return f.invoices, f.err
}

type fakeUsageService struct {
	req usagedomain.RecordUsageRequest
	err error
}

func (f *fakeUsageService) Record(ctx context.Context, req usagedomain.RecordUsageRequest) (*usagedomain.UsageRecord, error) {
	f.req = req
	if f.err != nil {
		return nil, f.err
	}
	return &usagedomain.UsageRecord{ID: snowflake.ID(9), Quantity: decimal.RequireFromString(req.Quantity)}, nil
}

type testServer struct {
	server    *Server
	runner    *fakeRunner
	projector *fakeProjector
	templates *fakeTemplateService
	invoices  *fakeInvoiceService
	usage     *fakeUsageService
}

func newTestServer(t *testing.T, cfg config.Config, mutate func(*ServerParams)) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	engine := gin.New()
	engine.Use(ErrorHandlingMiddleware())

	ts := &testServer{
		runner:    &fakeRunner{result: scheduler.BatchResult{Details: []scheduler.Detail{}}},
		projector: &fakeProjector{},
		templates: &fakeTemplateService{},
		invoices:  &fakeInvoiceService{},
		usage:     &fakeUsageService{},
	}
	params := ServerParams{
		Gin:         engine,
		Cfg:         cfg,
		Log:         zap.NewNop(),
		Runner:      ts.runner,
		Projector:   ts.projector,
		TemplateSvc: ts.templates,
		InvoiceSvc:  ts.invoices,
		UsageSvc:    ts.usage,
	}
	if mutate != nil {
		mutate(&params)
	}
	ts.server = NewServer(params)
	return ts
}

func (ts *testServer) do(method, path string, body []byte, headers map[string]string) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	ts.server.Engine().ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorPayload {
	t.Helper()
	var resp errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp.Error
}

func TestTriggerReadsFlagsFromQueryAndBody(t *testing.T) {
	ts := newTestServer(t, config.Config{}, nil)
	ts.runner.result = scheduler.BatchResult{
		Processed: 2,
		Generated: 1,
		Skipped:   1,
		Details: []scheduler.Detail{
			{TemplateID: "1", TemplateName: "Hosting", Outcome: "generated", InvoiceNo: 1},
			{TemplateID: "2", TemplateName: "Storage", Outcome: "skipped", Reason: "no_billable_usage"},
		},
	}

	rec := ts.do(http.MethodPost, "/internal/cron/recurring-invoices?dry_run=true&debug=1", []byte(`{"force_all":true,"dry_run":false}`), nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	require.Len(t, ts.runner.calls, 1)
	assert.Equal(t, scheduler.RunOptions{DryRun: true, ForceAll: true, Debug: true}, ts.runner.calls[0])

	var body scheduler.BatchResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 2, body.Processed)
	assert.Equal(t, 1, body.Generated)
	assert.Equal(t, 1, body.Skipped)
	require.Len(t, body.Details, 2)
	assert.Equal(t, "no_billable_usage", body.Details[1].Reason)
}

func TestTriggerWithoutBody(t *testing.T) {
	ts := newTestServer(t, config.Config{}, nil)

	rec := ts.do(http.MethodPost, "/internal/cron/recurring-invoices", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, scheduler.RunOptions{}, ts.runner.calls[0])
	assert.NotContains(t, rec.Body.String(), "run_id")
}

func TestTriggerRejectsBadFlag(t *testing.T) {
	ts := newTestServer(t, config.Config{}, nil)

	rec := ts.do(http.MethodPost, "/internal/cron/recurring-invoices?dry_run=maybe", nil, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	payload := decodeError(t, rec)
	assert.Equal(t, "validation_error", payload.Type)
	require.Len(t, payload.Errors, 1)
	assert.Equal(t, "dry_run", payload.Errors[0].Field)
	assert.Empty(t, ts.runner.calls)
}

func TestTriggerRequiresCronSecret(t *testing.T) {
	ts := newTestServer(t, config.Config{CronSecret: "s3cret"}, nil)

	rec := ts.do(http.MethodPost, "/internal/cron/recurring-invoices", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = ts.do(http.MethodPost, "/internal/cron/recurring-invoices", nil, map[string]string{HeaderCronSecret: "wrong"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Empty(t, ts.runner.calls)

	rec = ts.do(http.MethodPost, "/internal/cron/recurring-invoices", nil, map[string]string{HeaderCronSecret: "s3cret"})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, ts.runner.calls, 1)
}

func TestTriggerTopLevelFailureIs500(t *testing.T) {
	ts := newTestServer(t, config.Config{}, nil)
	ts.runner.err = context.DeadlineExceeded

	rec := ts.do(http.MethodPost, "/internal/cron/recurring-invoices", nil, nil)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "internal_error", decodeError(t, rec).Type)
}

func TestTriggerRateLimited(t *testing.T) {
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	cfg := config.Config{RateLimit: config.RateLimitConfig{Enabled: true, TriggerRate: 0.001, TriggerBurst: 1}}
	limiter, err := ratelimit.NewTriggerLimiter(cfg, client)
	require.NoError(t, err)

	ts := newTestServer(t, cfg, func(p *ServerParams) { p.TriggerLimiter = limiter })

	rec := ts.do(http.MethodPost, "/internal/cron/recurring-invoices", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(http.MethodPost, "/internal/cron/recurring-invoices", nil, nil)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	assert.Len(t, ts.runner.calls, 1)
}

func TestProjectionHandler(t *testing.T) {
	ts := newTestServer(t, config.Config{}, nil)
	ts.projector.result = projection.Result{
		TemplateID:      "42",
		GenerationCount: 12,
		ProjectedValue:  decimal.RequireFromString("1320"),
		Capped:          true,
	}

	rec := ts.do(http.MethodGet, "/api/recurring-templates/42/projection?horizon_end=2026-01-01", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "42", ts.projector.templateID)
	assert.Equal(t, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), ts.projector.horizonEnd)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.EqualValues(t, 12, body["generation_count"])
	assert.Equal(t, true, body["capped"])
}

func TestProjectionHandlerErrors(t *testing.T) {
	ts := newTestServer(t, config.Config{}, nil)

	rec := ts.do(http.MethodGet, "/api/recurring-templates/42/projection", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(http.MethodGet, "/api/recurring-templates/42/projection?horizon_end=next-year", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	ts.projector.err = recurringdomain.ErrNotFound
	rec = ts.do(http.MethodGet, "/api/recurring-templates/42/projection?horizon_end=2026-01-01", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	ts.projector.err = recurringdomain.ErrInvalidInterval
	rec = ts.do(http.MethodGet, "/api/recurring-templates/42/projection?horizon_end=2026-01-01", nil, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "interval", decodeError(t, rec).Errors[0].Field)
}

func TestLifecycleHandlers(t *testing.T) {
	ts := newTestServer(t, config.Config{}, nil)

	rec := ts.do(http.MethodPost, "/api/recurring-templates/7/pause", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"paused"`)

	rec = ts.do(http.MethodPost, "/api/recurring-templates/7/resume", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"active"`)

	rec = ts.do(http.MethodDelete, "/api/recurring-templates/7", nil, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, []string{"7"}, ts.templates.deleted)
}

func TestLifecycleErrorMapping(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		method string
		path   string
		status int
	}{
		{"completed", recurringdomain.ErrTemplateCompleted, http.MethodPost, "/api/recurring-templates/7/resume", http.StatusConflict},
		{"has invoices", recurringdomain.ErrTemplateHasInvoices, http.MethodDelete, "/api/recurring-templates/7", http.StatusConflict},
		{"bad id", recurringdomain.ErrInvalidID, http.MethodPost, "/api/recurring-templates/abc/pause", http.StatusBadRequest},
		{"missing", recurringdomain.ErrNotFound, http.MethodGet, "/api/recurring-templates/7", http.StatusNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ts := newTestServer(t, config.Config{}, nil)
			ts.templates.err = tc.err

			rec := ts.do(tc.method, tc.path, nil, nil)
			assert.Equal(t, tc.status, rec.Code)
		})
	}
}

func TestRecordUsageHandler(t *testing.T) {
	ts := newTestServer(t, config.Config{}, nil)

	body := []byte(`{"template_id":"11","quantity":"2.5","period_start":"2024-01-01T00:00:00Z","period_end":"2024-02-01T00:00:00Z","idempotency_key":"k1"}`)
	rec := ts.do(http.MethodPost, "/api/usage", body, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "11", ts.usage.req.TemplateID)
	assert.Equal(t, "2.5", ts.usage.req.Quantity)
	require.NotNil(t, ts.usage.req.IdempotencyKey)
	assert.Equal(t, "k1", *ts.usage.req.IdempotencyKey)

	rec = ts.do(http.MethodPost, "/api/usage", []byte(`{`), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRecordUsageErrorMapping(t *testing.T) {
	ts := newTestServer(t, config.Config{}, nil)
	body := []byte(`{"template_id":"11","quantity":"1"}`)

	ts.usage.err = usagedomain.ErrRateLimited
	rec := ts.do(http.MethodPost, "/api/usage", body, nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))

	ts.usage.err = usagedomain.ErrConcurrentIngest
	rec = ts.do(http.MethodPost, "/api/usage", body, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	ts.usage.err = usagedomain.ErrTemplateInactive
	rec = ts.do(http.MethodPost, "/api/usage", body, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	ts.usage.err = usagedomain.ErrTemplateNotUsageBased
	rec = ts.do(http.MethodPost, "/api/usage", body, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "template_not_usage_based", decodeError(t, rec).Errors[0].Code)
}

func TestDevRoutesFastForward(t *testing.T) {
	conn := migrationtest.OpenSQLite(t)
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	accelerator := schedulertesting.NewTimeAccelerator(conn, clock.NewFakeClock(now))
	tmpl := recurringtest.Template(t, conn, recurringtest.Node().Generate(),
		recurringtest.WithNextGeneration(recurringtest.Date(2024, 6, 1)),
	)

	ts := newTestServer(t, config.Config{Environment: "development"}, func(p *ServerParams) {
		p.Accelerator = accelerator
	})

	rec := ts.do(http.MethodPost, "/dev/recurring/templates/"+tmpl.ID.String()+"/fast-forward", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = ts.do(http.MethodGet, "/dev/recurring/templates/"+tmpl.ID.String()+"/info", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"due":true`)

	rec = ts.do(http.MethodPost, "/dev/recurring/templates/abc/fast-forward", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(http.MethodPost, "/dev/recurring/scheduler/run-once", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, ts.runner.calls, 1)
	assert.True(t, ts.runner.calls[0].Debug)
}

func TestDevRoutesHiddenInProduction(t *testing.T) {
	conn := migrationtest.OpenSQLite(t)
	accelerator := schedulertesting.NewTimeAccelerator(conn, clock.NewSystemClock())
	ts := newTestServer(t, config.Config{Environment: "production"}, func(p *ServerParams) {
		p.Accelerator = accelerator
	})

	rec := ts.do(http.MethodPost, "/dev/recurring/scheduler/run-once", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Empty(t, ts.runner.calls)
}

func TestDevSeedDemo(t *testing.T) {
	conn := migrationtest.OpenSQLite(t)
	fake := clock.NewFakeClock(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	seeder := seed.New(seed.Params{
		DB:           conn,
		GenID:        recurringtest.Node(),
		Clock:        fake,
		Repo:         recurringrepo.Provide(),
		BrandingRepo: invoicetemplaterepo.Provide(),
		CustomerRepo: customerrepo.Provide(),
	})
	ts := newTestServer(t, config.Config{Environment: "development"}, func(p *ServerParams) {
		p.Accelerator = schedulertesting.NewTimeAccelerator(conn, fake)
		p.Seeder = seeder
	})

	orgID := recurringtest.Node().Generate()
	rec := ts.do(http.MethodPost, "/dev/recurring/seed", []byte(`{"organization_id":"`+orgID.String()+`"}`), nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var body struct {
		Data struct {
			TemplateIDs []string `json:"template_ids"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Len(t, body.Data.TemplateIDs, 3)

	rec = ts.do(http.MethodPost, "/dev/recurring/seed", []byte(`{"organization_id":"nope"}`), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListTemplateInvoices(t *testing.T) {
	ts := newTestServer(t, config.Config{}, nil)

	w := ts.do(http.MethodGet, "/api/recurring-templates/42/invoices", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"data":[]}`, w.Body.String())
	assert.Equal(t, "42", ts.invoices.templateID)
	assert.Equal(t, defaultInvoiceListLimit, ts.invoices.limit)

	w = ts.do(http.MethodGet, "/api/recurring-templates/42/invoices?limit=500", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, maxInvoiceListLimit, ts.invoices.limit)

	w = ts.do(http.MethodGet, "/api/recurring-templates/42/invoices?limit=-1", nil, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	ts.invoices.err = invoicedomain.ErrInvalidID
	w = ts.do(http.MethodGet, "/api/recurring-templates/abc/invoices", nil, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetInvoice(t *testing.T) {
	ts := newTestServer(t, config.Config{}, nil)

	w := ts.do(http.MethodGet, "/api/invoices/77", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Data invoicedomain.Invoice `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.EqualValues(t, 77, body.Data.InvoiceNo)

	ts.invoices.err = invoicedomain.ErrNotFound
	w = ts.do(http.MethodGet, "/api/invoices/78", nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
