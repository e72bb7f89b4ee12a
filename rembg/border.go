package rembg

import (
	"context"
	"image"
	"math"
	"sort"

	"github.com/chaos-io/sinfondo/imaging"
)

const defaultTolerance = 0.12

// maxDistance is the RGB euclidean distance between black and white.
var maxDistance = math.Sqrt(3 * 255 * 255)

// BorderRemBG 从图像边框开始做洪水填充：与边框主色足够接近且连通的像素视为背景。
// 不需要模型，结果完全确定，适合离线和测试。
type BorderRemBG struct {
	tolerance float64
}

func NewBorderRemBG(tolerance float64) *BorderRemBG {
	if tolerance <= 0 || tolerance >= 1 {
		tolerance = defaultTolerance
	}
	return &BorderRemBG{tolerance: tolerance}
}

func (r *BorderRemBG) Remove(ctx context.Context, img image.Image) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	out := imaging.CloneNRGBA(img)
	w, h := out.Bounds().Dx(), out.Bounds().Dy()
	if w == 0 || h == 0 {
		return out, nil
	}

	bg := borderColor(out)
	limit := r.tolerance * maxDistance
	limitSq := int(limit * limit)

	near := func(i int) bool {
		p := out.Pix[i*4 : i*4+3]
		dr := int(p[0]) - int(bg[0])
		dg := int(p[1]) - int(bg[1])
		db := int(p[2]) - int(bg[2])
		return dr*dr+dg*dg+db*db <= limitSq
	}

	visited := make([]bool, w*h)
	queue := make([]int, 0, 2*(w+h))
	push := func(x, y int) {
		i := y*w + x
		if visited[i] || !near(i) {
			return
		}
		visited[i] = true
		queue = append(queue, i)
	}

	for x := 0; x < w; x++ {
		push(x, 0)
		push(x, h-1)
	}
	for y := 0; y < h; y++ {
		push(0, y)
		push(w-1, y)
	}

	for len(queue) > 0 {
		i := queue[len(queue)-1]
		queue = queue[:len(queue)-1]
		out.Pix[i*4+3] = 0

		x, y := i%w, i/w
		if x > 0 {
			push(x-1, y)
		}
		if x < w-1 {
			push(x+1, y)
		}
		if y > 0 {
			push(x, y-1)
		}
		if y < h-1 {
			push(x, y+1)
		}
	}

	return out, nil
}

func (r *BorderRemBG) Ping(ctx context.Context) error {
	return ctx.Err()
}

// borderColor is the per-channel median of all border pixels.
func borderColor(img *image.NRGBA) [3]uint8 {
	w, h := img.Bounds().Dx(), img.Bounds().Dy()
	var ch [3][]uint8
	add := func(x, y int) {
		p := img.Pix[y*img.Stride+x*4:]
		for c := 0; c < 3; c++ {
			ch[c] = append(ch[c], p[c])
		}
	}
	for x := 0; x < w; x++ {
		add(x, 0)
		if h > 1 {
			add(x, h-1)
		}
	}
	for y := 1; y < h-1; y++ {
		add(0, y)
		if w > 1 {
			add(w-1, y)
		}
	}

	var bg [3]uint8
	for c := 0; c < 3; c++ {
		s := ch[c]
		sort.Slice(s, func(i, j int) bool { return s[i] < s[j] })
		bg[c] = s[len(s)/2]
	}
	return bg
}
