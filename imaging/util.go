package imaging

import (
	"image"
	"image/draw"

	"github.com/nfnt/resize"
	xdraw "golang.org/x/image/draw"
)

// HasUsefulAlpha 检查 alpha 通道是否真的包含透明信息
// 只要存在非 255（非完全不透明），就认为已经抠过图
func HasUsefulAlpha(img image.Image) bool {
	nrgba := ToNRGBA(img)
	b := nrgba.Bounds()
	for y := b.Min.Y; y < b.Max.Y; y++ {
		i := nrgba.PixOffset(b.Min.X, y)
		for x := 0; x < b.Dx(); x++ {
			if nrgba.Pix[i+x*4+3] != 255 {
				return true
			}
		}
	}
	return false
}

// ResizeWithinMax 缩放（最长边 <= maxSize），不放大
func ResizeWithinMax(img image.Image, maxSize int) *image.NRGBA {
	w := img.Bounds().Dx()
	h := img.Bounds().Dy()
	longest := max(w, h)

	if maxSize <= 0 || longest <= maxSize {
		return ToNRGBA(img)
	}

	scale := float64(maxSize) / float64(longest)
	newW := max(1, int(float64(w)*scale))
	newH := max(1, int(float64(h)*scale))

	resized := resize.Resize(uint(newW), uint(newH), img, resize.Lanczos3)
	return ToNRGBA(resized)
}

// ToNRGBA returns img itself when it already is an *image.NRGBA.
func ToNRGBA(img image.Image) *image.NRGBA {
	if nrgba, ok := img.(*image.NRGBA); ok {
		return nrgba
	}
	return CloneNRGBA(img)
}

// CloneNRGBA copies img into a fresh NRGBA anchored at (0,0).
func CloneNRGBA(img image.Image) *image.NRGBA {
	b := img.Bounds()
	dst := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)
	return dst
}

// AlphaMask extracts the alpha channel of img.
func AlphaMask(img image.Image) *image.Alpha {
	b := img.Bounds()
	mask := image.NewAlpha(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(mask, mask.Bounds(), img, b.Min, draw.Src)
	return mask
}

// ScaleMask stretches mask to w x h.
func ScaleMask(mask *image.Alpha, w, h int) *image.Alpha {
	if mask.Bounds().Dx() == w && mask.Bounds().Dy() == h {
		return mask
	}
	dst := image.NewAlpha(image.Rect(0, 0, w, h))
	xdraw.CatmullRom.Scale(dst, dst.Bounds(), mask, mask.Bounds(), xdraw.Src, nil)
	return dst
}

// ApplyMask returns a copy of src whose alpha is src alpha multiplied by mask.
// mask must have the same size as src.
func ApplyMask(src image.Image, mask *image.Alpha) *image.NRGBA {
	out := CloneNRGBA(src)
	w, h := out.Bounds().Dx(), out.Bounds().Dy()
	for y := 0; y < h; y++ {
		row := y * out.Stride
		mrow := y * mask.Stride
		for x := 0; x < w; x++ {
			i := row + x*4 + 3
			out.Pix[i] = uint8(uint16(out.Pix[i]) * uint16(mask.Pix[mrow+x]) / 255)
		}
	}
	return out
}
