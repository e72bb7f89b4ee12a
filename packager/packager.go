// Package packager turns processed PNGs into the single deliverable of a
// batch: the PNG itself for one image, an in-memory ZIP for several.
package packager

import (
	"bytes"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/klauspost/compress/zip"
)

const (
	ArchiveName = "imagenes_sin_fondo.zip"

	MIMEPNG = "image/png"
	MIMEZip = "application/zip"
)

// maxNameLen is the longest entry name a ZIP header can hold.
const maxNameLen = 1<<16 - 1

var (
	ErrEmpty       = errors.New("nothing to package")
	ErrFinished    = errors.New("packager already finished")
	ErrNameTooLong = errors.New("entry name too long")
)

type Item struct {
	Name string
	Data []byte
}

// Deliverable is what the user downloads.
type Deliverable struct {
	Filename    string
	ContentType string
	Data        []byte
	// Entries lists the names as packaged, in order.
	Entries []string
}

func (d *Deliverable) IsArchive() bool {
	return d.ContentType == MIMEZip
}

// Packager accepts encoded images one at a time. The first one is held until a
// second arrives; only then is the archive opened, so a one-image batch never
// pays for a ZIP.
type Packager struct {
	buf      bytes.Buffer
	zw       *zip.Writer
	pending  *Item
	entries  []string
	used     map[string]int
	finished bool
}

func New() *Packager {
	return &Packager{used: make(map[string]int)}
}

// Add packages data under name and returns the name actually used, which
// differs from name when an earlier entry already took it. A failed Add leaves
// the packager as it was.
func (p *Packager) Add(name string, data []byte) (string, error) {
	if p.finished {
		return "", ErrFinished
	}
	entry, n := p.unique(name)
	if len(entry) > maxNameLen {
		return "", fmt.Errorf("%w: %d bytes", ErrNameTooLong, len(entry))
	}

	switch {
	case len(p.entries) == 0:
		p.pending = &Item{Name: entry, Data: data}
	case p.zw == nil:
		p.zw = zip.NewWriter(&p.buf)
		if err := p.write(p.pending.Name, p.pending.Data); err != nil {
			p.zw = nil
			p.buf.Reset()
			return "", err
		}
		p.pending = nil
		fallthrough
	default:
		if err := p.write(entry, data); err != nil {
			return "", err
		}
	}

	p.reserve(name, entry, n)
	return entry, nil
}

// Len is the number of entries added so far.
func (p *Packager) Len() int {
	return len(p.entries)
}

func (p *Packager) Finish() (*Deliverable, error) {
	if p.finished {
		return nil, ErrFinished
	}
	p.finished = true

	switch {
	case len(p.entries) == 0:
		return nil, ErrEmpty
	case p.zw == nil:
		item := p.pending
		p.pending = nil
		return &Deliverable{
			Filename:    item.Name,
			ContentType: MIMEPNG,
			Data:        item.Data,
			Entries:     []string{item.Name},
		}, nil
	}

	if err := p.zw.Close(); err != nil {
		return nil, fmt.Errorf("close archive: %w", err)
	}
	return &Deliverable{
		Filename:    ArchiveName,
		ContentType: MIMEZip,
		Data:        p.buf.Bytes(),
		Entries:     p.entries,
	}, nil
}

// Pack packages all items at once.
func Pack(items []Item) (*Deliverable, error) {
	p := New()
	for _, it := range items {
		if _, err := p.Add(it.Name, it.Data); err != nil {
			return nil, err
		}
	}
	return p.Finish()
}

func (p *Packager) write(name string, data []byte) error {
	w, err := p.zw.CreateHeader(&zip.FileHeader{
		Name:     name,
		Method:   zip.Deflate,
		Modified: time.Now(),
	})
	if err != nil {
		return fmt.Errorf("create archive entry %s: %w", name, err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write archive entry %s: %w", name, err)
	}
	return nil
}

// unique picks the name for the next entry: name itself when unused,
// otherwise name with _2, _3, ... before the extension. n is the suffix used.
func (p *Packager) unique(name string) (string, int) {
	n, taken := p.used[name]
	if !taken {
		return name, 0
	}

	ext := path.Ext(name)
	base := strings.TrimSuffix(name, ext)
	for {
		n++
		candidate := fmt.Sprintf("%s_%d%s", base, n, ext)
		if _, clash := p.used[candidate]; !clash {
			return candidate, n
		}
	}
}

// reserve records entry, picked by unique for name, once it is packaged.
func (p *Packager) reserve(name, entry string, n int) {
	p.entries = append(p.entries, entry)
	p.used[entry] = 1
	if n > 0 {
		p.used[name] = n
	}
}
