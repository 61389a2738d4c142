package service

// mocks_test.go — моки репозиториев и клиентов для unit-тестов
// сервисного слоя.

import (
	"context"
	"time"

	"github.com/bigkaa/gocontentflow/ingest-module/internal/domain/model"
	"github.com/bigkaa/gocontentflow/ingest-module/internal/procclient"
	"github.com/bigkaa/gocontentflow/ingest-module/internal/queue"
	"github.com/bigkaa/gocontentflow/ingest-module/internal/repository"
)

// --- Mock EnvelopeRepository ---

type mockEnvelopeRepo struct {
	insertFn             func(ctx context.Context, e *model.Envelope) error
	getFn                func(ctx context.Context, source, key string) (*model.Envelope, error)
	claimFn              func(ctx context.Context, source, key string) (*model.Envelope, error)
	markCommittedFn      func(ctx context.Context, source, key, versionID string) error
	markRetryScheduledFn func(ctx context.Context, source, key string, nextAttemptAt time.Time, lastError string) error
	markDeadLetteredFn   func(ctx context.Context, source, key, lastError string) error
	resetForReplayFn     func(ctx context.Context, source, key string) error
	listDeadLetteredFn   func(ctx context.Context, limit, offset int) ([]*model.Envelope, int, error)
	listDueRetriesFn     func(ctx context.Context, now time.Time, limit int) ([]*model.Envelope, error)
	recoverStaleFn       func(ctx context.Context, staleAfter time.Duration, limit int) ([]*model.Envelope, error)
}

func (m *mockEnvelopeRepo) Insert(ctx context.Context, e *model.Envelope) error {
	if m.insertFn != nil {
		return m.insertFn(ctx, e)
	}
	return nil
}

func (m *mockEnvelopeRepo) Get(ctx context.Context, source, key string) (*model.Envelope, error) {
	if m.getFn != nil {
		return m.getFn(ctx, source, key)
	}
	return nil, repository.ErrNotFound
}

func (m *mockEnvelopeRepo) ClaimForProcessing(ctx context.Context, source, key string) (*model.Envelope, error) {
	if m.claimFn != nil {
		return m.claimFn(ctx, source, key)
	}
	return nil, repository.ErrNotFound
}

func (m *mockEnvelopeRepo) MarkCommitted(ctx context.Context, source, key, versionID string) error {
	if m.markCommittedFn != nil {
		return m.markCommittedFn(ctx, source, key, versionID)
	}
	return nil
}

func (m *mockEnvelopeRepo) MarkRetryScheduled(ctx context.Context, source, key string, nextAttemptAt time.Time, lastError string) error {
	if m.markRetryScheduledFn != nil {
		return m.markRetryScheduledFn(ctx, source, key, nextAttemptAt, lastError)
	}
	return nil
}

func (m *mockEnvelopeRepo) MarkDeadLettered(ctx context.Context, source, key, lastError string) error {
	if m.markDeadLetteredFn != nil {
		return m.markDeadLetteredFn(ctx, source, key, lastError)
	}
	return nil
}

func (m *mockEnvelopeRepo) ResetForReplay(ctx context.Context, source, key string) error {
	if m.resetForReplayFn != nil {
		return m.resetForReplayFn(ctx, source, key)
	}
	return nil
}

func (m *mockEnvelopeRepo) ListDeadLettered(ctx context.Context, limit, offset int) ([]*model.Envelope, int, error) {
	if m.listDeadLetteredFn != nil {
		return m.listDeadLetteredFn(ctx, limit, offset)
	}
	return nil, 0, nil
}

func (m *mockEnvelopeRepo) ListDueRetries(ctx context.Context, now time.Time, limit int) ([]*model.Envelope, error) {
	if m.listDueRetriesFn != nil {
		return m.listDueRetriesFn(ctx, now, limit)
	}
	return nil, nil
}

func (m *mockEnvelopeRepo) RecoverStale(ctx context.Context, staleAfter time.Duration, limit int) ([]*model.Envelope, error) {
	if m.recoverStaleFn != nil {
		return m.recoverStaleFn(ctx, staleAfter, limit)
	}
	return nil, nil
}

// --- Mock AuditRepository ---

type mockAuditRepo struct {
	insertFn         func(ctx context.Context, rec *model.AuditRecord) (bool, error)
	listByResourceFn func(ctx context.Context, resourceType, resourceID string) ([]*model.AuditRecord, error)
}

func (m *mockAuditRepo) Insert(ctx context.Context, rec *model.AuditRecord) (bool, error) {
	if m.insertFn != nil {
		return m.insertFn(ctx, rec)
	}
	return true, nil
}

func (m *mockAuditRepo) ListByResource(ctx context.Context, resourceType, resourceID string) ([]*model.AuditRecord, error) {
	if m.listByResourceFn != nil {
		return m.listByResourceFn(ctx, resourceType, resourceID)
	}
	return nil, nil
}

// --- Mock CategoryRepository ---

type mockCategoryRepo struct {
	createFn       func(ctx context.Context, c *model.MetadataCategory) error
	getFn          func(ctx context.Context, id string) (*model.MetadataCategory, error)
	findByNameFn   func(ctx context.Context, name string) ([]*model.MetadataCategory, error)
	listFn         func(ctx context.Context) ([]*model.MetadataCategory, error)
	updateFn       func(ctx context.Context, c *model.MetadataCategory) error
	deleteFn       func(ctx context.Context, id string) error
	isDescendantFn func(ctx context.Context, candidate, ancestor string) (bool, error)
	isReferencedFn func(ctx context.Context, id string) (bool, error)
}

func (m *mockCategoryRepo) Create(ctx context.Context, c *model.MetadataCategory) error {
	if m.createFn != nil {
		return m.createFn(ctx, c)
	}
	return nil
}

func (m *mockCategoryRepo) Get(ctx context.Context, id string) (*model.MetadataCategory, error) {
	if m.getFn != nil {
		return m.getFn(ctx, id)
	}
	return nil, repository.ErrNotFound
}

func (m *mockCategoryRepo) FindByName(ctx context.Context, name string) ([]*model.MetadataCategory, error) {
	if m.findByNameFn != nil {
		return m.findByNameFn(ctx, name)
	}
	return nil, nil
}

func (m *mockCategoryRepo) List(ctx context.Context) ([]*model.MetadataCategory, error) {
	if m.listFn != nil {
		return m.listFn(ctx)
	}
	return nil, nil
}

func (m *mockCategoryRepo) Update(ctx context.Context, c *model.MetadataCategory) error {
	if m.updateFn != nil {
		return m.updateFn(ctx, c)
	}
	return nil
}

func (m *mockCategoryRepo) Delete(ctx context.Context, id string) error {
	if m.deleteFn != nil {
		return m.deleteFn(ctx, id)
	}
	return nil
}

func (m *mockCategoryRepo) IsDescendant(ctx context.Context, candidate, ancestor string) (bool, error) {
	if m.isDescendantFn != nil {
		return m.isDescendantFn(ctx, candidate, ancestor)
	}
	return false, nil
}

func (m *mockCategoryRepo) IsReferenced(ctx context.Context, id string) (bool, error) {
	if m.isReferencedFn != nil {
		return m.isReferencedFn(ctx, id)
	}
	return false, nil
}

// --- Mock ProcessingClient ---

type mockProcessingClient struct {
	name      string
	processFn func(ctx context.Context, op model.Operation, payload model.Payload) (*procclient.Result, error)
}

func (m *mockProcessingClient) Name() string {
	return m.name
}

func (m *mockProcessingClient) Process(ctx context.Context, op model.Operation, payload model.Payload) (*procclient.Result, error) {
	if m.processFn != nil {
		return m.processFn(ctx, op, payload)
	}
	return &procclient.Result{}, nil
}

// --- Mock Enqueuer ---

type mockEnqueuer struct {
	enqueueFn func(msg queue.Message) error
	msgs      []queue.Message
}

func (m *mockEnqueuer) Enqueue(msg queue.Message) error {
	if m.enqueueFn != nil {
		return m.enqueueFn(msg)
	}
	m.msgs = append(m.msgs, msg)
	return nil
}

// --- Mock Committer ---

type mockCommitter struct {
	commitFn func(ctx context.Context, req *CommitRequest) (*CommitResult, error)
}

func (m *mockCommitter) Commit(ctx context.Context, req *CommitRequest) (*CommitResult, error) {
	if m.commitFn != nil {
		return m.commitFn(ctx, req)
	}
	return &CommitResult{
		ContentID: "c-1",
		Version:   &model.ContentVersion{VersionID: "v-1", VersionNumber: 1},
	}, nil
}

// --- Mock Processor ---

type mockProcessor struct {
	processFn func(ctx context.Context, e *model.Envelope) *ProcessOutcome
}

func (m *mockProcessor) Process(ctx context.Context, e *model.Envelope) *ProcessOutcome {
	if m.processFn != nil {
		return m.processFn(ctx, e)
	}
	return &ProcessOutcome{Kind: OutcomeCommitted}
}
