// category.go — управление иерархическими категориями метаданных.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/bigkaa/gocontentflow/ingest-module/internal/domain/model"
	"github.com/bigkaa/gocontentflow/ingest-module/internal/repository"
)

// CategoryService — сервис категорий метаданных.
//
// Категории образуют лес; смена родителя проверяется на циклы,
// удаление запрещено при наличии ссылок из значений метаданных.
type CategoryService struct {
	repo   repository.CategoryRepository
	logger *slog.Logger
}

// NewCategoryService создаёт сервис категорий.
func NewCategoryService(repo repository.CategoryRepository, logger *slog.Logger) *CategoryService {
	return &CategoryService{
		repo:   repo,
		logger: logger.With(slog.String("component", "categories")),
	}
}

// CategoryInput — данные для создания или обновления категории.
type CategoryInput struct {
	Name        string  `json:"name"`
	Description string  `json:"description"`
	ParentID    *string `json:"parent_id"`
	ValueKind   string  `json:"value_kind"`
}

// Create создаёт категорию метаданных.
func (s *CategoryService) Create(ctx context.Context, in *CategoryInput) (*model.MetadataCategory, error) {
	kind, err := s.validateInput(in)
	if err != nil {
		return nil, err
	}

	cat := &model.MetadataCategory{
		Name:        strings.TrimSpace(in.Name),
		Description: in.Description,
		ParentID:    in.ParentID,
		ValueKind:   kind,
	}
	if err := s.repo.Create(ctx, cat); err != nil {
		return nil, mapRepoError(err)
	}

	s.logger.Info("Категория создана",
		slog.String("id", cat.ID),
		slog.String("name", cat.Name),
		slog.String("value_kind", string(cat.ValueKind)),
	)
	return cat, nil
}

// Get возвращает категорию по идентификатору.
func (s *CategoryService) Get(ctx context.Context, id string) (*model.MetadataCategory, error) {
	cat, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, mapRepoError(err)
	}
	return cat, nil
}

// List возвращает все категории.
func (s *CategoryService) List(ctx context.Context) ([]*model.MetadataCategory, error) {
	return s.repo.List(ctx)
}

// Update обновляет имя, описание и родителя категории.
// Тип значений категории неизменяем: записанные значения уже
// типизированы по нему.
func (s *CategoryService) Update(ctx context.Context, id string, in *CategoryInput) (*model.MetadataCategory, error) {
	if _, err := s.validateInput(in); err != nil {
		return nil, err
	}

	cat, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, mapRepoError(err)
	}
	if in.ValueKind != "" && model.ValueKind(in.ValueKind) != cat.ValueKind {
		return nil, fmt.Errorf("%w: тип значений категории неизменяем", ErrValidation)
	}

	if in.ParentID != nil {
		if err := s.checkParent(ctx, id, *in.ParentID); err != nil {
			return nil, err
		}
	}

	cat.Name = strings.TrimSpace(in.Name)
	cat.Description = in.Description
	cat.ParentID = in.ParentID
	if err := s.repo.Update(ctx, cat); err != nil {
		return nil, mapRepoError(err)
	}

	s.logger.Info("Категория обновлена", slog.String("id", cat.ID), slog.String("name", cat.Name))
	return cat, nil
}

// Delete удаляет категорию без ссылок и потомков.
func (s *CategoryService) Delete(ctx context.Context, id string) error {
	referenced, err := s.repo.IsReferenced(ctx, id)
	if err != nil {
		return err
	}
	if referenced {
		return fmt.Errorf("%w: на категорию ссылаются значения метаданных", ErrCategoryReferenced)
	}

	if err := s.repo.Delete(ctx, id); err != nil {
		return mapRepoError(err)
	}

	s.logger.Info("Категория удалена", slog.String("id", id))
	return nil
}

// checkParent запрещает категорию как собственного родителя и циклы.
func (s *CategoryService) checkParent(ctx context.Context, id, parentID string) error {
	if parentID == id {
		return fmt.Errorf("%w: категория не может быть родителем самой себя", ErrCategoryCycle)
	}

	descendant, err := s.repo.IsDescendant(ctx, parentID, id)
	if err != nil {
		return err
	}
	if descendant {
		return fmt.Errorf("%w: новый родитель является потомком категории", ErrCategoryCycle)
	}
	return nil
}

// validateInput проверяет обязательные поля и тип значений.
func (s *CategoryService) validateInput(in *CategoryInput) (model.ValueKind, error) {
	if strings.TrimSpace(in.Name) == "" {
		return "", fmt.Errorf("%w: имя категории обязательно", ErrValidation)
	}
	if in.ValueKind == "" {
		return model.KindText, nil
	}

	kind, ok := model.ParseValueKind(in.ValueKind)
	if !ok {
		return "", fmt.Errorf("%w: неизвестный тип значений %q", ErrValidation, in.ValueKind)
	}
	return kind, nil
}

// mapRepoError переводит ошибки репозитория в ошибки сервисного слоя.
func mapRepoError(err error) error {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return fmt.Errorf("%w: %s", ErrNotFound, err)
	case errors.Is(err, repository.ErrConflict):
		return fmt.Errorf("%w: %s", ErrConflict, err)
	case errors.Is(err, repository.ErrReferenced):
		return fmt.Errorf("%w: %s", ErrCategoryReferenced, err)
	}
	return err
}
