// Package batch runs a set of uploads through background removal and
// packages the results. Images are handled one after another, in upload order,
// and only one decoded bitmap is alive at a time.
package batch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/chaos-io/sinfondo/imaging"
	"github.com/chaos-io/sinfondo/naming"
	"github.com/chaos-io/sinfondo/packager"
	"github.com/chaos-io/sinfondo/rembg"
)

// Policy decides what a failing image does to the rest of the batch.
type Policy string

const (
	// PolicySkip reports the failure and keeps going.
	PolicySkip Policy = "skip"
	// PolicyAbort stops the whole batch on the first failure.
	PolicyAbort Policy = "abort"
)

func ParsePolicy(s string) (Policy, error) {
	switch p := Policy(strings.ToLower(strings.TrimSpace(s))); p {
	case PolicySkip, PolicyAbort:
		return p, nil
	case "":
		return PolicySkip, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownPolicy, s)
	}
}

var ErrSizeMismatch = errors.New("remover changed the image size")

type Upload struct {
	Name string
	Data []byte
}

type Options struct {
	KeepOriginalNames bool
	Policy            Policy
}

// Outcome is the tagged result of one upload: Output is set on success, Err on failure.
type Outcome struct {
	Index  int    `json:"index"`
	Source string `json:"source"`
	Output string `json:"output,omitempty"`
	Error  string `json:"error,omitempty"`
	Err    error  `json:"-"`
}

func (o Outcome) OK() bool { return o.Err == nil }

type Result struct {
	Deliverable *packager.Deliverable
	Outcomes    []Outcome
}

func (r *Result) Succeeded() int {
	n := 0
	for _, o := range r.Outcomes {
		if o.OK() {
			n++
		}
	}
	return n
}

func (r *Result) Failures() []Outcome {
	var failed []Outcome
	for _, o := range r.Outcomes {
		if !o.OK() {
			failed = append(failed, o)
		}
	}
	return failed
}

type State string

const (
	StateIdle       State = "idle"
	StateProcessing State = "processing"
	StateReady      State = "ready"
)

type Progress struct {
	State   State
	Total   int
	Done    int
	Failed  int
	Current string
}

type ProgressCallback func(progress Progress)

type Processor struct {
	remover    rembg.Remover
	log        *zap.Logger
	onProgress ProgressCallback
}

func NewProcessor(remover rembg.Remover, log *zap.Logger) *Processor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Processor{remover: remover, log: log}
}

// WithProgressCallback returns a copy of p reporting to callback.
func (p *Processor) WithProgressCallback(callback ProgressCallback) *Processor {
	cp := *p
	cp.onProgress = callback
	return &cp
}

// Process removes the background of every upload and packages the results.
//
// The returned Result is non-nil whenever at least one image was attempted,
// so callers can report per-image outcomes even when err is set.
func (p *Processor) Process(ctx context.Context, uploads []Upload, opts Options) (*Result, error) {
	if len(uploads) == 0 {
		return nil, ErrEmptyBatch
	}
	if opts.Policy == "" {
		opts.Policy = PolicySkip
	}

	start := time.Now()
	res := &Result{Outcomes: make([]Outcome, 0, len(uploads))}
	pk := packager.New()
	progress := Progress{State: StateProcessing, Total: len(uploads)}
	p.notify(progress)

	var errs []error
	for i, up := range uploads {
		if err := ctx.Err(); err != nil {
			return res, fmt.Errorf("batch interrupted after %d of %d images: %w", i, len(uploads), err)
		}

		index := i + 1
		outcome := Outcome{Index: index, Source: up.Name}
		progress.Current = up.Name
		itemStart := time.Now()

		data, err := p.processOne(ctx, up)
		if err == nil {
			outcome.Output, err = pk.Add(naming.Derive(up.Name, opts.KeepOriginalNames, index), data)
		}

		if err != nil {
			outcome.Err, outcome.Error = err, err.Error()
			res.Outcomes = append(res.Outcomes, outcome)
			progress.Failed++
			p.log.Warn("image failed",
				zap.Int("index", index),
				zap.String("name", up.Name),
				zap.Duration("elapsed", time.Since(itemStart)),
				zap.Error(err))

			if opts.Policy == PolicyAbort {
				p.notify(progress)
				return res, fmt.Errorf("image %d (%s): %w", index, up.Name, err)
			}
			errs = append(errs, err)
		} else {
			res.Outcomes = append(res.Outcomes, outcome)
			p.log.Info("image processed",
				zap.Int("index", index),
				zap.String("name", up.Name),
				zap.String("output", outcome.Output),
				zap.Int("bytes", len(data)),
				zap.Duration("elapsed", time.Since(itemStart)))
		}

		progress.Done++
		p.notify(progress)
	}

	if pk.Len() == 0 {
		return res, fmt.Errorf("%w: %w", ErrNothingProcessed, errors.Join(errs...))
	}

	d, err := pk.Finish()
	if err != nil {
		return res, err
	}
	res.Deliverable = d

	progress.State, progress.Current = StateReady, ""
	p.notify(progress)

	p.log.Info("batch ready",
		zap.Int("images", len(uploads)),
		zap.Int("failed", progress.Failed),
		zap.String("filename", d.Filename),
		zap.String("content_type", d.ContentType),
		zap.Int("bytes", len(d.Data)),
		zap.Duration("elapsed", time.Since(start)))

	return res, nil
}

// processOne decodes, cuts out and re-encodes a single upload. The bitmap does
// not outlive this call.
func (p *Processor) processOne(ctx context.Context, up Upload) ([]byte, error) {
	img, _, err := imaging.Decode(up.Data)
	if err != nil {
		return nil, &DecodeError{Name: up.Name, Err: err}
	}

	out, err := p.remover.Remove(ctx, img)
	if err != nil {
		return nil, &ModelError{Name: up.Name, Err: err}
	}
	if out.Bounds().Dx() != img.Bounds().Dx() || out.Bounds().Dy() != img.Bounds().Dy() {
		return nil, &ModelError{Name: up.Name, Err: fmt.Errorf("%w: %v -> %v", ErrSizeMismatch, img.Bounds().Size(), out.Bounds().Size())}
	}

	data, err := imaging.EncodePNG(out)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", up.Name, err)
	}
	return data, nil
}

func (p *Processor) notify(progress Progress) {
	if p.onProgress != nil {
		p.onProgress(progress)
	}
}
