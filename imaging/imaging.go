// Package imaging holds the raster helpers shared by the removers and the batch
// pipeline: decoding uploads, PNG encoding, resizing and alpha-mask plumbing.
package imaging

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"image"
	_ "image/jpeg"
	"image/png"

	"github.com/klauspost/compress/zlib"
	_ "golang.org/x/image/webp"
)

const pngSignature = "\x89PNG\r\n\x1a\n"

// colorTypeRGBA is the IHDR colour type of 8-bit RGBA PNGs.
const colorTypeRGBA = 6

// ErrDecode marks payloads that are not a decodable raster image.
var ErrDecode = errors.New("image decode failed")

// Decode parses PNG, JPEG or WebP bytes. Failures wrap ErrDecode.
func Decode(data []byte) (image.Image, string, error) {
	if len(data) == 0 {
		return nil, "", fmt.Errorf("%w: empty payload", ErrDecode)
	}
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return img, format, nil
}

// EncodePNG always encodes with the same settings so equal pixels give equal bytes.
// The output always carries an alpha channel, also for fully opaque images.
func EncodePNG(img image.Image) ([]byte, error) {
	if !img.Bounds().Empty() {
		if nrgba := ToNRGBA(img); !HasUsefulAlpha(nrgba) {
			return encodeOpaqueRGBA(nrgba)
		}
	}

	var buf bytes.Buffer
	enc := png.Encoder{CompressionLevel: png.DefaultCompression}
	if err := enc.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("png encode: %w", err)
	}
	return buf.Bytes(), nil
}

// encodeOpaqueRGBA writes img as colour type 6. png.Encoder drops the alpha
// channel of opaque images, so the chunks are written here.
func encodeOpaqueRGBA(img *image.NRGBA) ([]byte, error) {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()

	var buf bytes.Buffer
	buf.WriteString(pngSignature)

	ihdr := make([]byte, 13)
	binary.BigEndian.PutUint32(ihdr[0:4], uint32(w))
	binary.BigEndian.PutUint32(ihdr[4:8], uint32(h))
	ihdr[8] = 8 // bit depth
	ihdr[9] = colorTypeRGBA
	writeChunk(&buf, "IHDR", ihdr)

	var idat bytes.Buffer
	zw, err := zlib.NewWriterLevel(&idat, zlib.DefaultCompression)
	if err != nil {
		return nil, fmt.Errorf("png encode: %w", err)
	}
	row := make([]byte, 1+w*4) // row[0] = 0: filter none
	for y := b.Min.Y; y < b.Max.Y; y++ {
		i := img.PixOffset(b.Min.X, y)
		copy(row[1:], img.Pix[i:i+w*4])
		if _, err := zw.Write(row); err != nil {
			return nil, fmt.Errorf("png encode: %w", err)
		}
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("png encode: %w", err)
	}
	writeChunk(&buf, "IDAT", idat.Bytes())
	writeChunk(&buf, "IEND", nil)

	return buf.Bytes(), nil
}

func writeChunk(buf *bytes.Buffer, typ string, data []byte) {
	var hdr [8]byte
	binary.BigEndian.PutUint32(hdr[0:4], uint32(len(data)))
	copy(hdr[4:], typ)
	buf.Write(hdr[:])
	buf.Write(data)

	crc := crc32.NewIEEE()
	_, _ = crc.Write(hdr[4:])
	_, _ = crc.Write(data)
	var sum [4]byte
	binary.BigEndian.PutUint32(sum[:], crc.Sum32())
	buf.Write(sum[:])
}
