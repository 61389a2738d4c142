package service

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/bigkaa/gocontentflow/ingest-module/internal/domain/model"
	"github.com/bigkaa/gocontentflow/ingest-module/internal/repository"
)

// TestCategoryCreate проверяет создание категории с типом по умолчанию.
func TestCategoryCreate(t *testing.T) {
	var created *model.MetadataCategory
	repo := &mockCategoryRepo{
		createFn: func(_ context.Context, c *model.MetadataCategory) error {
			created = c
			return nil
		},
	}
	svc := NewCategoryService(repo, slog.Default())

	cat, err := svc.Create(context.Background(), &CategoryInput{Name: "  language  "})
	if err != nil {
		t.Fatalf("Create ошибка: %v", err)
	}

	if cat.Name != "language" {
		t.Errorf("Name = %q, ожидался trimmed", cat.Name)
	}
	if created.ValueKind != model.KindText {
		t.Errorf("ValueKind = %s, ожидался text по умолчанию", created.ValueKind)
	}
}

// TestCategoryCreate_Validation проверяет отклонение некорректного ввода.
func TestCategoryCreate_Validation(t *testing.T) {
	svc := NewCategoryService(&mockCategoryRepo{}, slog.Default())

	if _, err := svc.Create(context.Background(), &CategoryInput{Name: "  "}); !errors.Is(err, ErrValidation) {
		t.Errorf("пустое имя: err = %v, ожидался ErrValidation", err)
	}
	if _, err := svc.Create(context.Background(), &CategoryInput{Name: "x", ValueKind: "blob"}); !errors.Is(err, ErrValidation) {
		t.Errorf("неизвестный тип: err = %v, ожидался ErrValidation", err)
	}
}

// TestCategoryUpdate_CycleRejected проверяет запрет циклов при смене родителя.
func TestCategoryUpdate_CycleRejected(t *testing.T) {
	parent := "cat-child"
	repo := &mockCategoryRepo{
		getFn: func(_ context.Context, id string) (*model.MetadataCategory, error) {
			return &model.MetadataCategory{ID: id, Name: "topic", ValueKind: model.KindText}, nil
		},
		isDescendantFn: func(_ context.Context, candidate, ancestor string) (bool, error) {
			// cat-child — потомок cat-root
			return candidate == "cat-child" && ancestor == "cat-root", nil
		},
	}
	svc := NewCategoryService(repo, slog.Default())

	_, err := svc.Update(context.Background(), "cat-root", &CategoryInput{Name: "topic", ParentID: &parent})
	if !errors.Is(err, ErrCategoryCycle) {
		t.Errorf("err = %v, ожидался ErrCategoryCycle", err)
	}

	// Категория как собственный родитель
	self := "cat-root"
	_, err = svc.Update(context.Background(), "cat-root", &CategoryInput{Name: "topic", ParentID: &self})
	if !errors.Is(err, ErrCategoryCycle) {
		t.Errorf("self-parent: err = %v, ожидался ErrCategoryCycle", err)
	}
}

// TestCategoryUpdate_KindImmutable проверяет неизменяемость типа значений.
func TestCategoryUpdate_KindImmutable(t *testing.T) {
	repo := &mockCategoryRepo{
		getFn: func(_ context.Context, id string) (*model.MetadataCategory, error) {
			return &model.MetadataCategory{ID: id, Name: "price", ValueKind: model.KindNumeric}, nil
		},
	}
	svc := NewCategoryService(repo, slog.Default())

	_, err := svc.Update(context.Background(), "cat-1", &CategoryInput{Name: "price", ValueKind: "text"})
	if !errors.Is(err, ErrValidation) {
		t.Errorf("err = %v, ожидался ErrValidation", err)
	}
}

// TestCategoryDelete_Referenced проверяет запрет удаления используемой категории.
func TestCategoryDelete_Referenced(t *testing.T) {
	repo := &mockCategoryRepo{
		isReferencedFn: func(_ context.Context, _ string) (bool, error) {
			return true, nil
		},
	}
	svc := NewCategoryService(repo, slog.Default())

	err := svc.Delete(context.Background(), "cat-1")
	if !errors.Is(err, ErrCategoryReferenced) {
		t.Errorf("err = %v, ожидался ErrCategoryReferenced", err)
	}
}

// TestCategoryGet_NotFound проверяет маппинг ошибки репозитория.
func TestCategoryGet_NotFound(t *testing.T) {
	repo := &mockCategoryRepo{
		getFn: func(_ context.Context, _ string) (*model.MetadataCategory, error) {
			return nil, repository.ErrNotFound
		},
	}
	svc := NewCategoryService(repo, slog.Default())

	if _, err := svc.Get(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, ожидался ErrNotFound", err)
	}
}
