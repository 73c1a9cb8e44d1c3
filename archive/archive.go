// Package archive provides random access to the members of a docker-save
// style image archive: an outer tar holding repository metadata, per-layer
// JSON documents and nested per-layer tars. The outer stream and the layer
// blobs may additionally be gzip or zstd compressed; compression is
// detected by magic bytes and undone transparently.
package archive

import (
	"archive/tar"
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/sirupsen/logrus"
)

// ErrMemberMissing is returned when a named member is not present in the
// archive index.
var ErrMemberMissing = errors.New("member not found in archive")

var (
	gzipMagic = []byte{0x1f, 0x8b}
	zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}
)

type member struct {
	offset int64
	size   int64
}

// Image is an opened image archive. Tar streams are not efficiently
// seekable, so the outer archive is indexed in one forward pass and
// members are then served by offset. An Image is not safe for concurrent
// use; layer extraction is strictly sequential anyway.
type Image struct {
	rs      io.ReadSeeker
	closer  io.Closer
	tmp     string // spool file to remove on Close, if any
	members map[string]member
	log     *logrus.Logger
}

// Open opens an image archive from a file on disk. Compressed archives
// are spooled decompressed into a temporary file to regain seekability.
func Open(path string, log *logrus.Logger) (*Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	br := bufio.NewReader(f)
	compressed, err := sniffCompression(br)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	if !compressed {
		// bufio may have read ahead; rewind and hand the file over as-is.
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			f.Close()
			return nil, err
		}
		return newImage(f, f, "", log)
	}

	dec, err := decompress(br)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	spool, err := spoolToTemp(dec)
	closeReader(dec)
	f.Close()
	if err != nil {
		return nil, err
	}
	return newImage(spool, spool, spool.Name(), log)
}

// FromReader buffers an image archive from a non-seekable stream
// (typically standard input) into a temporary file and opens it.
func FromReader(r io.Reader, log *logrus.Logger) (*Image, error) {
	br := bufio.NewReader(r)
	compressed, err := sniffCompression(br)
	if err != nil {
		return nil, err
	}
	var src io.Reader = br
	if compressed {
		if src, err = decompress(br); err != nil {
			return nil, err
		}
	}
	spool, err := spoolToTemp(src)
	closeReader(src)
	if err != nil {
		return nil, err
	}
	return newImage(spool, spool, spool.Name(), log)
}

// closeReader closes r if the decoder behind it needs releasing.
func closeReader(r io.Reader) {
	if c, ok := r.(io.Closer); ok {
		c.Close()
	}
}

func newImage(rs io.ReadSeeker, closer io.Closer, tmp string, log *logrus.Logger) (*Image, error) {
	if log == nil {
		log = logrus.New()
	}
	img := &Image{
		rs:      rs,
		closer:  closer,
		tmp:     tmp,
		members: make(map[string]member),
		log:     log,
	}
	if err := img.index(); err != nil {
		img.Close()
		return nil, err
	}
	return img, nil
}

// index walks the outer tar once and records the data offset and size of
// every regular-file member.
func (img *Image) index() error {
	if _, err := img.rs.Seek(0, io.SeekStart); err != nil {
		return err
	}
	tr := tar.NewReader(img.rs)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("index archive: %w", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		// The tar reader consumes exactly up to the end of the header
		// block, so the current stream position is the member's data.
		here, err := img.rs.Seek(0, io.SeekCurrent)
		if err != nil {
			return err
		}
		img.members[cleanPath(hdr.Name)] = member{offset: here, size: hdr.Size}
	}
	img.log.WithField("members", len(img.members)).Debug("indexed image archive")
	return nil
}

// Has reports whether the archive contains a member with the given name.
func (img *Image) Has(name string) bool {
	_, ok := img.members[name]
	return ok
}

// Member returns a reader over the raw content of a named member.
// The reader is valid until the next Member or Layer call.
func (img *Image) Member(name string) (io.Reader, error) {
	m, ok := img.members[name]
	if !ok {
		return nil, fmt.Errorf("%q: %w", name, ErrMemberMissing)
	}
	if _, err := img.rs.Seek(m.offset, io.SeekStart); err != nil {
		return nil, err
	}
	return io.LimitReader(img.rs, m.size), nil
}

// Layer opens the nested tar holding one layer's entries. Compressed
// layer blobs are decompressed transparently.
func (img *Image) Layer(id string) (*LayerReader, error) {
	r, err := img.Member(id + "/layer.tar")
	if err != nil {
		return nil, err
	}
	br := bufio.NewReader(r)
	compressed, err := sniffCompression(br)
	if err != nil {
		return nil, fmt.Errorf("layer %s: %w", id, err)
	}
	var src io.Reader = br
	if compressed {
		if src, err = decompress(br); err != nil {
			return nil, fmt.Errorf("layer %s: %w", id, err)
		}
	}
	lr := &LayerReader{tr: tar.NewReader(src)}
	if c, ok := src.(io.Closer); ok {
		lr.closer = c
	}
	return lr, nil
}

// Close releases the underlying store and removes the spool file if one
// was created.
func (img *Image) Close() error {
	var err error
	if img.closer != nil {
		err = img.closer.Close()
	}
	if img.tmp != "" {
		if rmErr := os.Remove(img.tmp); err == nil {
			err = rmErr
		}
	}
	return err
}

// LayerReader iterates the entries of one layer tar in archive order.
// Close must be called once the layer is consumed; compressed layers
// hold a decoder that is only released on Close.
type LayerReader struct {
	tr     *tar.Reader
	closer io.Closer
}

// Close releases the layer's decompressor, if any.
func (l *LayerReader) Close() error {
	if l.closer != nil {
		return l.closer.Close()
	}
	return nil
}

// Next returns the next entry and a reader over its content. The reader
// is only valid until the following Next call. io.EOF signals the end of
// the layer.
func (l *LayerReader) Next() (Entry, io.Reader, error) {
	for {
		hdr, err := l.tr.Next()
		if err != nil {
			return Entry{}, nil, err
		}
		e := entryFromHeader(hdr)
		if e.Path == "" {
			continue
		}
		return e, l.tr, nil
	}
}

// sniffCompression peeks at the stream's magic bytes without consuming
// them. A short stream is not an error; it is simply not compressed.
func sniffCompression(br *bufio.Reader) (bool, error) {
	head, err := br.Peek(4)
	if err != nil && err != io.EOF {
		return false, err
	}
	return bytes.HasPrefix(head, gzipMagic) || bytes.HasPrefix(head, zstdMagic), nil
}

// decompress wraps the stream in the decoder matching its magic bytes.
func decompress(br *bufio.Reader) (io.Reader, error) {
	head, err := br.Peek(4)
	if err != nil && err != io.EOF {
		return nil, err
	}
	switch {
	case bytes.HasPrefix(head, gzipMagic):
		return gzip.NewReader(br)
	case bytes.HasPrefix(head, zstdMagic):
		dec, err := zstd.NewReader(br)
		if err != nil {
			return nil, err
		}
		return dec.IOReadCloser(), nil
	default:
		return br, nil
	}
}

func spoolToTemp(r io.Reader) (*os.File, error) {
	f, err := os.CreateTemp("", "undock-*.tar")
	if err != nil {
		return nil, err
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		os.Remove(f.Name())
		return nil, fmt.Errorf("spool archive: %w", err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		f.Close()
		os.Remove(f.Name())
		return nil, err
	}
	return f, nil
}
