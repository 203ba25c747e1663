// Package archive hands extracted artifacts to durable storage.
package archive

import (
	"context"
	"errors"
	"fmt"

	"github.com/esnunes/forkline/internal/models"
)

// Archiver stores the artifacts of one finished message.
type Archiver interface {
	Archive(ctx context.Context, assets []models.FileAsset) error
}

// AssetWriter is the record store operation used by Store.
type AssetWriter interface {
	CreateFileAsset(ctx context.Context, a models.FileAsset) (*models.FileAsset, error)
}

// Store archives artifacts as file_assets rows.
type Store struct {
	writer AssetWriter
}

func NewStore(w AssetWriter) *Store {
	return &Store{writer: w}
}

func (s *Store) Archive(ctx context.Context, assets []models.FileAsset) error {
	var errs []error
	for _, a := range assets {
		if _, err := s.writer.CreateFileAsset(ctx, a); err != nil {
			errs = append(errs, fmt.Errorf("archiving %s: %w", a.Name, err))
		}
	}
	return errors.Join(errs...)
}

// Tee archives to every target and joins their errors.
type Tee []Archiver

func (t Tee) Archive(ctx context.Context, assets []models.FileAsset) error {
	var errs []error
	for _, a := range t {
		if err := a.Archive(ctx, assets); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
