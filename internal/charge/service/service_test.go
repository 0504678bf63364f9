package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/smallbiznis/chargeflow/internal/artifact"
	"github.com/smallbiznis/chargeflow/internal/billingapi"
	"github.com/smallbiznis/chargeflow/internal/charge/domain"
	"github.com/smallbiznis/chargeflow/internal/charge/repository"
	"github.com/smallbiznis/chargeflow/internal/clock"
	"github.com/smallbiznis/chargeflow/internal/config"
	"github.com/smallbiznis/chargeflow/internal/metrics"
	"github.com/smallbiznis/chargeflow/internal/notify"
	"github.com/smallbiznis/chargeflow/internal/queue"
	"github.com/smallbiznis/chargeflow/pkg/db"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type fakeQueue struct {
	sent []queue.Message
}

func (q *fakeQueue) Send(ctx context.Context, msg queue.Message) error {
	q.sent = append(q.sent, msg)
	return nil
}

func (q *fakeQueue) byPhase(phase domain.Phase) []queue.Message {
	var out []queue.Message
	for _, msg := range q.sent {
		if msg.Attributes[domain.AttrPhase] == string(phase) {
			out = append(out, msg)
		}
	}
	return out
}

type fakeAPI struct {
	lookups int
	submits int

	lookup func(number string) (*billingapi.ServiceRecord, int, error)
	submit func(req billingapi.SubmitChargeRequest) (*billingapi.SubmitChargeResponse, error)
}

func (a *fakeAPI) LookupServiceRecord(ctx context.Context, auth billingapi.Credentials, number string) (*billingapi.ServiceRecord, int, error) {
	a.lookups++
	if a.lookup != nil {
		return a.lookup(number)
	}
	return &billingapi.ServiceRecord{ServiceID: 1, Number: number, ActivatedDate: "2025-01-01"}, 0, nil
}

func (a *fakeAPI) SubmitCharge(ctx context.Context, auth billingapi.Credentials, req billingapi.SubmitChargeRequest) (*billingapi.SubmitChargeResponse, error) {
	a.submits++
	if a.submit != nil {
		return a.submit(req)
	}
	return &billingapi.SubmitChargeResponse{ChargeID: 1000 + a.submits, StatusCode: 200}, nil
}

type captureProvider struct {
	subjects    []string
	bodies      []string
	attachments [][]notify.Attachment
}

func (p *captureProvider) Send(ctx context.Context, to []string, subject string, htmlBody string, attachments ...notify.Attachment) error {
	p.subjects = append(p.subjects, subject)
	p.bodies = append(p.bodies, htmlBody)
	p.attachments = append(p.attachments, attachments)
	return nil
}

type fakeCustomers struct{}

func (fakeCustomers) NameByProviderID(ctx context.Context, providerID uuid.UUID) (string, error) {
	return "Provider " + providerID.String()[:8], nil
}

func (fakeCustomers) NameByLocalID(ctx context.Context, id int64) (string, error) {
	return fmt.Sprintf("Local %d", id), nil
}

type pipelineFixture struct {
	conn       *gorm.DB
	repo       domain.Repository
	queue      *fakeQueue
	api        *fakeAPI
	provider   *captureProvider
	submitter  *Submitter
	completion *Completion
	clk        *clock.FakeClock
	cfg        config.PipelineConfig
}

func setupPipeline(t *testing.T, cfg config.PipelineConfig) *pipelineFixture {
	t.Helper()

	conn, err := db.NewTest()
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	if err := conn.AutoMigrate(
		&domain.BillingRun{},
		&domain.RunQueue{},
		&domain.UploadedFile{},
		&domain.ProviderAuth{},
		&domain.ChargeItem{},
	); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	log := zap.NewNop()
	repo := repository.Provide(conn, log)
	holder := config.NewStaticPipelineHolder(cfg)
	fq := &fakeQueue{}
	api := &fakeAPI{}
	provider := &captureProvider{}
	m := metrics.NewNop()
	notifier := notify.NewNotifier(provider, []string{"ops@example.com"}, m, log)
	enq := NewEnqueuer(fq, holder, log)
	clk := clock.NewFakeClock(time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC))
	store := artifact.NewFileStore(t.TempDir(), log)

	submitter := NewSubmitter(repo, api, enq, holder, notifier, m, clk, config.Config{SendToProvider: true}, log)
	completion := NewCompletion(repo, store, notifier, enq, holder, fakeCustomers{}, m, clk, log)

	return &pipelineFixture{
		conn:       conn,
		repo:       repo,
		queue:      fq,
		api:        api,
		provider:   provider,
		submitter:  submitter,
		completion: completion,
		clk:        clk,
		cfg:        cfg,
	}
}

func testPipelineConfig() config.PipelineConfig {
	return config.PipelineConfig{
		PageSize:             2,
		MaxSubmitRetries:     3,
		MaxCompletionRetries: 3,
		ShortDelay:           10 * time.Second,
		LongDelay:            15 * time.Minute,
	}
}

func (f *pipelineFixture) seedRun(t *testing.T, runID, queueID int64, session uuid.UUID) *domain.BillingRun {
	t.Helper()

	authID := 1
	run := domain.BillingRun{
		ID:                 runID,
		TenantID:           1,
		SessionKey:         session,
		PortalType:         domain.CategoryM2M,
		BillingPeriodStart: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		BillingPeriodEnd:   time.Date(2026, 1, 31, 0, 0, 0, 0, time.UTC),
		AuthID:             &authID,
		CreatedAt:          time.Now().UTC(),
	}
	if err := f.conn.Create(&run).Error; err != nil {
		t.Fatalf("seed run: %v", err)
	}
	if err := f.conn.Create(&domain.RunQueue{ID: queueID, BillingRunID: runID}).Error; err != nil {
		t.Fatalf("seed queue: %v", err)
	}
	f.conn.Where("id = ?", 1).FirstOrCreate(&domain.ProviderAuth{ID: 1, Label: "test", APIKey: "key"})
	return &run
}

func (f *pipelineFixture) seedItems(t *testing.T, queueID int64, n int, mutate func(*domain.ChargeItem)) {
	t.Helper()

	var maxID int64
	f.conn.Model(&domain.ChargeItem{}).Select("COALESCE(MAX(id), 0)").Scan(&maxID)
	productType, product := 1, 2
	for i := 0; i < n; i++ {
		qid := queueID
		item := domain.ChargeItem{
			ID:            maxID + int64(i) + 1,
			QueueID:       &qid,
			Category:      domain.CategoryM2M,
			MSISDN:        fmt.Sprintf("155500%05d", maxID+int64(i)+1),
			ServiceNumber: fmt.Sprintf("155500%05d", maxID+int64(i)+1),
			DeviceCharge:  5,
			TotalCharge:   5,
			ProductTypeID: &productType,
			ProductID:     &product,
			CreatedAt:     time.Now().UTC(),
			UpdatedAt:     time.Now().UTC(),
		}
		if mutate != nil {
			mutate(&item)
		}
		if err := f.conn.Create(&item).Error; err != nil {
			t.Fatalf("seed item: %v", err)
		}
	}
}

func (f *pipelineFixture) pendingCount(t *testing.T, queueID int64) int64 {
	t.Helper()
	var count int64
	if err := f.conn.Model(&domain.ChargeItem{}).
		Where("queue_id = ? AND is_processed = ?", queueID, false).
		Count(&count).Error; err != nil {
		t.Fatalf("count pending: %v", err)
	}
	return count
}
