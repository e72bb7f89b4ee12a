// Package rembg removes image backgrounds. The production backend is a
// BiRefNet workflow running on a ComfyUI server; an offline border flood fill
// is available for machines without one.
package rembg

import (
	"context"
	"errors"
	"fmt"
	"image"
	"time"

	"go.uber.org/zap"

	"github.com/chaos-io/sinfondo/imaging"
	nhttp "github.com/chaos-io/sinfondo/util/http"
)

const (
	BackendBiRefNet = "birefnet"
	BackendBorder   = "border"
)

var (
	ErrUnknownBackend = errors.New("unknown rembg backend")
	ErrPromptFailed   = errors.New("comfyui rejected the prompt")
	ErrExecution      = errors.New("comfyui workflow execution failed")
	ErrNoOutput       = errors.New("comfyui produced no output image")
)

// Remover returns an image with the same pixel size as img whose background
// pixels have alpha 0.
type Remover interface {
	Remove(ctx context.Context, img image.Image) (image.Image, error)
}

// Prober is implemented by removers that depend on a remote service.
type Prober interface {
	Ping(ctx context.Context) error
}

type Options struct {
	Backend         string
	BaseURL         string
	MaxSide         int
	PollInterval    time.Duration
	Timeout         time.Duration
	Tolerance       float64
	SkipTransparent bool
}

// New builds the remover selected by opts.Backend.
func New(opts Options, log *zap.Logger) (Remover, error) {
	var r Remover
	switch opts.Backend {
	case BackendBiRefNet, "":
		r = NewBiRefNetRemBG(opts, nhttp.NewHTTPClient(), log)
	case BackendBorder:
		r = NewBorderRemBG(opts.Tolerance)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, opts.Backend)
	}

	if opts.SkipTransparent {
		r = &skipTransparent{next: r}
	}
	return r, nil
}

// skipTransparent 已有透明通道的图片视为已经抠过图，直接返回副本
type skipTransparent struct {
	next Remover
}

func (s *skipTransparent) Remove(ctx context.Context, img image.Image) (image.Image, error) {
	if imaging.HasUsefulAlpha(img) {
		return imaging.CloneNRGBA(img), nil
	}
	return s.next.Remove(ctx, img)
}

func (s *skipTransparent) Ping(ctx context.Context) error {
	if p, ok := s.next.(Prober); ok {
		return p.Ping(ctx)
	}
	return nil
}
