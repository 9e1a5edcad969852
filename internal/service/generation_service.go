package service

//go:generate mockgen -destination=mocks/mock_generator.go -package=mocks . ImageGenerator,ImageStorage

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/digkill/TGImageBot/internal/inference"
	"github.com/digkill/TGImageBot/internal/metrics"
	"github.com/digkill/TGImageBot/internal/models"
	"github.com/digkill/TGImageBot/internal/storage"
)

// ImageGenerator is the inference collaborator.
type ImageGenerator interface {
	GenerateImage(ctx context.Context, req inference.Request) (*inference.Image, error)
}

// ImageStorage publishes generated images and returns their public URL.
type ImageStorage interface {
	Upload(ctx context.Context, obj storage.Object) (string, error)
}

type GenerationOptions struct {
	Quality         inference.Quality
	Timeout         time.Duration
	FinalizeTimeout time.Duration
}

type GenerationService struct {
	accounts        *AccountService
	generator       ImageGenerator
	storage         ImageStorage
	quality         inference.Quality
	timeout         time.Duration
	finalizeTimeout time.Duration
	log             *slog.Logger
	metrics         *metrics.Metrics
}

type GenerationRequest struct {
	UserID int64
	Prompt string
	// Width and Height of zero select the account's preferred size.
	Width  int
	Height int
}

type GenerationResult struct {
	Token    string
	Image    *inference.Image
	ImageURL string
	Balance  int
	Width    int
	Height   int
	Prompt   string
}

// NewGenerationService wires the gate. storage may be nil when uploads are
// disabled.
func NewGenerationService(accounts *AccountService, generator ImageGenerator, storage ImageStorage, log *slog.Logger, m *metrics.Metrics, opts GenerationOptions) *GenerationService {
	if opts.Timeout <= 0 {
		opts.Timeout = 3 * time.Minute
	}
	if opts.FinalizeTimeout <= 0 {
		opts.FinalizeTimeout = 15 * time.Second
	}
	return &GenerationService{
		accounts:        accounts,
		generator:       generator,
		storage:         storage,
		quality:         opts.Quality,
		timeout:         opts.Timeout,
		finalizeTimeout: opts.FinalizeTimeout,
		log:             log,
		metrics:         m,
	}
}

// RequestGeneration charges exactly one credit for a delivered image and
// nothing for a failed one. The provider call runs with no transaction open.
// An image whose charge cannot be committed is not returned.
func (s *GenerationService) RequestGeneration(ctx context.Context, req GenerationRequest) (*GenerationResult, error) {
	prompt := strings.TrimSpace(req.Prompt)
	if prompt == "" {
		return nil, ErrEmptyPrompt
	}
	dims := models.Dimensions{Width: req.Width, Height: req.Height}
	if !dims.IsZero() && !dims.Supported() {
		return nil, ErrInvalidDimensions
	}

	acct, err := s.accounts.Get(ctx, req.UserID)
	if err != nil {
		return nil, err
	}
	if acct.Blocked {
		return nil, ErrBlocked
	}
	if dims.IsZero() {
		dims = acct.Dimensions()
	}

	res, err := s.accounts.ReserveCredit(ctx, req.UserID, prompt, dims)
	if err != nil {
		return nil, err
	}
	log := s.log.With("user_id", req.UserID, "token", res.Token)

	started := time.Now()
	img, genErr := s.generate(ctx, prompt, dims)
	took := time.Since(started)

	// finalisation must outlive a cancelled request
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.finalizeTimeout)
	defer cancel()

	if genErr != nil {
		if err := s.accounts.RollbackReservation(fctx, res.Token); err != nil {
			log.Error("rollback after failed generation", "err", err)
		}
		s.metrics.ObserveGeneration("failed", took)
		log.Warn("generation failed", "err", genErr, "took", took)
		return nil, &GenerationError{Token: res.Token, Cause: genErr}
	}

	if err := s.accounts.CommitReservation(fctx, res.Token); err != nil {
		// an image is only handed out once its credit is spent; a reservation
		// still pending here is refunded by the reaper
		s.metrics.ObserveGeneration("failed", took)
		log.Error("commit reservation, image withheld", "err", err)
		return nil, &GenerationError{Token: res.Token, Cause: fmt.Errorf("commit reservation: %w", err)}
	}
	s.metrics.ObserveGeneration("success", took)

	result := &GenerationResult{
		Token:  res.Token,
		Image:  img,
		Width:  dims.Width,
		Height: dims.Height,
		Prompt: prompt,
	}
	if s.storage != nil {
		url, err := s.storage.Upload(fctx, storage.Object{
			UserID:      req.UserID,
			Token:       res.Token,
			Data:        img.Bytes,
			ContentType: img.Mime,
		})
		if err != nil {
			log.Warn("upload generated image", "err", err)
		} else {
			result.ImageURL = url
		}
	}
	if updated, err := s.accounts.Get(fctx, req.UserID); err != nil {
		log.Warn("read balance after generation", "err", err)
	} else {
		result.Balance = updated.Balance
	}

	log.Info("image generated", "width", dims.Width, "height", dims.Height, "took", took)
	return result, nil
}

func (s *GenerationService) generate(ctx context.Context, prompt string, dims models.Dimensions) (*inference.Image, error) {
	gctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	img, err := s.generator.GenerateImage(gctx, inference.Request{
		Prompt:  prompt,
		Width:   dims.Width,
		Height:  dims.Height,
		Quality: s.quality,
	})
	if err != nil {
		return nil, err
	}
	if img == nil || len(img.Bytes) == 0 {
		return nil, fmt.Errorf("generate %s: %w", dims, inference.ErrEmptyImage)
	}
	return img, nil
}
