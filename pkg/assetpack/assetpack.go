// Package assetpack downloads and reads the tar archives in which the
// platform bundles the encrypted pages of a book.
package assetpack

import (
	"archive/tar"
	"bytes"
	"compress/bzip2"
	"context"
	"fmt"
	"io"
	"math"
	"net/http"

	"github.com/klauspost/compress/gzip"
	"github.com/ulikunitz/xz"

	"github.com/abustany/pdfgrab/pkg/platform"
)

const chunkSize = 100 * 1024

// Pack holds a downloaded archive in memory.
type Pack struct {
	data []byte
}

// Open wraps archive bytes obtained by other means, for example read from
// disk.
func Open(data []byte) *Pack {
	return &Pack{data: data}
}

func (p *Pack) Size() int {
	return len(p.data)
}

// Download fetches url. After every chunk it reports
// base + round(received / length * weight), where length is the declared
// Content-Length.
func Download(ctx context.Context, client *http.Client, url string, progress func(int), weight, base int) (*Pack, error) {
	if client == nil {
		client = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("error creating request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("error downloading asset pack: %w: %w", platform.ErrTransport, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("error downloading asset pack: %w: unexpected status %d", platform.ErrTransport, resp.StatusCode)
	}

	length := resp.ContentLength
	if length <= 0 {
		length = 1
	}

	var buf bytes.Buffer
	if resp.ContentLength > 0 {
		buf.Grow(int(resp.ContentLength))
	}

	chunk := make([]byte, chunkSize)
	for {
		n, err := resp.Body.Read(chunk)
		if n > 0 {
			buf.Write(chunk[:n])
			if progress != nil {
				progress(scaled(int64(buf.Len()), length, weight, base))
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("error reading asset pack: %w: %w", platform.ErrTransport, err)
		}
	}

	return &Pack{data: buf.Bytes()}, nil
}

func scaled(received, length int64, weight, base int) int {
	v := base + int(math.Round(float64(received)/float64(length)*float64(weight)))
	if v > base+weight {
		v = base + weight
	}
	return v
}

// Each calls fn for every regular file of the archive, in archive order.
// Gzip, bzip2 and xz compressed archives are detected from their magic bytes.
func (p *Pack) Each(fn func(name string, r io.Reader) error) error {
	r, err := decompress(p.data)
	if err != nil {
		return err
	}

	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("error reading archive: %w", err)
		}

		if !hdr.FileInfo().Mode().IsRegular() {
			continue
		}

		if err := fn(hdr.Name, tr); err != nil {
			return fmt.Errorf("error processing %s: %w", hdr.Name, err)
		}
	}
}

var (
	gzipMagic  = []byte{0x1f, 0x8b}
	bzip2Magic = []byte("BZh")
	xzMagic    = []byte{0xfd, '7', 'z', 'X', 'Z', 0x00}
)

func decompress(data []byte) (io.Reader, error) {
	switch {
	case bytes.HasPrefix(data, gzipMagic):
		r, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("error opening gzip stream: %w", err)
		}
		return r, nil
	case bytes.HasPrefix(data, xzMagic):
		r, err := xz.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("error opening xz stream: %w", err)
		}
		return r, nil
	case bytes.HasPrefix(data, bzip2Magic):
		return bzip2.NewReader(bytes.NewReader(data)), nil
	default:
		return bytes.NewReader(data), nil
	}
}
