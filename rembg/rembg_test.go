package rembg

import (
	"context"
	"image"
	"image/color"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/chaos-io/sinfondo/imaging"
)

// subjectOnWhite draws a red square in the middle of a white canvas.
func subjectOnWhite(w, h int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			c := color.NRGBA{R: 250, G: 250, B: 250, A: 255}
			if x >= w/4 && x < 3*w/4 && y >= h/4 && y < 3*h/4 {
				c = color.NRGBA{R: 200, G: 20, B: 20, A: 255}
			}
			img.SetNRGBA(x, y, c)
		}
	}
	return img
}

func TestBorderRemBG_Remove(t *testing.T) {
	src := subjectOnWhite(40, 20)
	got, err := NewBorderRemBG(0).Remove(context.Background(), src)
	require.NoError(t, err)

	out := imaging.ToNRGBA(got)
	assert.Equal(t, src.Bounds(), out.Bounds())
	assert.Zero(t, out.NRGBAAt(0, 0).A)
	assert.Zero(t, out.NRGBAAt(39, 19).A)
	assert.Equal(t, uint8(255), out.NRGBAAt(20, 10).A)
	assert.Equal(t, uint8(200), out.NRGBAAt(20, 10).R)

	// input untouched
	assert.Equal(t, uint8(255), src.NRGBAAt(0, 0).A)
}

func TestBorderRemBG_EnclosedBackgroundIsKept(t *testing.T) {
	// a white hole inside the subject is not connected to the border
	src := subjectOnWhite(40, 40)
	src.SetNRGBA(20, 20, color.NRGBA{R: 250, G: 250, B: 250, A: 255})

	got, err := NewBorderRemBG(0).Remove(context.Background(), src)
	require.NoError(t, err)
	assert.Equal(t, uint8(255), imaging.ToNRGBA(got).NRGBAAt(20, 20).A)
}

func TestBorderRemBG_Idempotent(t *testing.T) {
	src := subjectOnWhite(32, 32)
	r := NewBorderRemBG(0.2)

	a, err := r.Remove(context.Background(), src)
	require.NoError(t, err)
	b, err := r.Remove(context.Background(), src)
	require.NoError(t, err)

	pa, err := imaging.EncodePNG(a)
	require.NoError(t, err)
	pb, err := imaging.EncodePNG(b)
	require.NoError(t, err)
	assert.Equal(t, pa, pb)
}

func TestBorderRemBG_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewBorderRemBG(0).Remove(ctx, subjectOnWhite(4, 4))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestBorderRemBG_OffsetBounds(t *testing.T) {
	src := subjectOnWhite(20, 20).SubImage(image.Rect(2, 2, 18, 18))
	got, err := NewBorderRemBG(0).Remove(context.Background(), src)
	require.NoError(t, err)
	assert.Equal(t, 16, got.Bounds().Dx())
	assert.Equal(t, 16, got.Bounds().Dy())
}

func TestNew(t *testing.T) {
	r, err := New(Options{Backend: BackendBorder}, zap.NewNop())
	require.NoError(t, err)
	assert.IsType(t, &BorderRemBG{}, r)

	r, err = New(Options{}, zap.NewNop())
	require.NoError(t, err)
	assert.IsType(t, &BiRefNetRemBG{}, r)
	_, ok := r.(Prober)
	assert.True(t, ok)

	_, err = New(Options{Backend: "u2net"}, zap.NewNop())
	assert.ErrorIs(t, err, ErrUnknownBackend)
}

func TestSkipTransparent(t *testing.T) {
	r, err := New(Options{Backend: BackendBorder, SkipTransparent: true}, zap.NewNop())
	require.NoError(t, err)

	// already cut out: returned as-is
	cut := subjectOnWhite(10, 10)
	cut.SetNRGBA(5, 5, color.NRGBA{A: 10})
	got, err := r.Remove(context.Background(), cut)
	require.NoError(t, err)
	assert.Equal(t, uint8(255), imaging.ToNRGBA(got).NRGBAAt(0, 0).A)

	// opaque input still goes through the backend
	got, err = r.Remove(context.Background(), subjectOnWhite(10, 10))
	require.NoError(t, err)
	assert.Zero(t, imaging.ToNRGBA(got).NRGBAAt(0, 0).A)

	p, ok := r.(Prober)
	require.True(t, ok)
	assert.NoError(t, p.Ping(context.Background()))
}
