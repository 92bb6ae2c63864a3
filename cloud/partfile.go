/*
Copyright © 2026 the Calvalus authors.
This file is part of Calvalus.

Calvalus is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

Calvalus is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with Calvalus.  If not, see <http://www.gnu.org/licenses/>.
*/

package cloud

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"path"
	"strings"

	calvalus "github.com/bcdev/calvalus2-sub005"
	"github.com/klauspost/compress/zstd"
	"github.com/sirupsen/logrus"
	"gocloud.dev/blob"
)

// PartPrefix starts the name of every part file.
const PartPrefix = "part-r-"

// compressedExt marks zstd-compressed part files.
const compressedExt = ".zst"

// MaxPayload limits the size of a single record.
const MaxPayload = 1 << 30

// PartName returns the name of part file number part.
func PartName(part int, compress bool) string {
	n := fmt.Sprintf("%s%05d", PartPrefix, part)
	if compress {
		n += compressedExt
	}
	return n
}

// A part file is a sequence of records
//
//	int64 key
//	int32 payload length
//	payload
//
// big-endian, with keys in non-decreasing order. The payload is
// usually a tilecodec record.

// Record is one entry of a part file.
type Record struct {
	Key     int64
	Payload []byte
}

// PartWriter writes one part file. The data go to a temporary blob
// that is moved to the part's name by Close, so readers never see a
// partial part.
type PartWriter struct {
	Log logrus.FieldLogger

	ctx    context.Context
	cancel context.CancelFunc
	bucket *blob.Bucket
	key    string
	tmp    string

	w    *blob.Writer
	zw   *zstd.Encoder
	buf  *bufio.Writer
	hdr  [12]byte
	last int64
	n    int
}

// NewPartWriter creates part file number part in the directory prefix
// of bucket, optionally compressed with zstd.
func NewPartWriter(ctx context.Context, bucket *blob.Bucket, prefix string, part int, compress bool) (*PartWriter, error) {
	name := PartName(part, compress)
	p := &PartWriter{
		Log:    logrus.StandardLogger(),
		bucket: bucket,
		key:    dirPrefix(prefix) + name,
		tmp:    dirPrefix(prefix) + "_temporary/" + name,
		last:   -1 << 63,
	}
	p.ctx, p.cancel = context.WithCancel(ctx)
	w, err := bucket.NewWriter(p.ctx, p.tmp, nil)
	if err != nil {
		p.cancel()
		return nil, fmt.Errorf("cloud: creating part %s: %v", p.key, err)
	}
	p.w = w
	var dst io.Writer = w
	if compress {
		p.zw, err = zstd.NewWriter(w)
		if err != nil {
			p.Abort()
			return nil, fmt.Errorf("cloud: creating part %s: %v", p.key, err)
		}
		dst = p.zw
	}
	p.buf = bufio.NewWriterSize(dst, 1<<16)
	return p, nil
}

// Key returns the blob key the part is committed to.
func (p *PartWriter) Key() string { return p.key }

// Len returns the number of records written.
func (p *PartWriter) Len() int { return p.n }

// Write appends a record. Keys must not decrease.
func (p *PartWriter) Write(key int64, payload []byte) error {
	if key < p.last {
		return fmt.Errorf("%w: key %d after %d in %s", calvalus.ErrOutOfOrder, key, p.last, p.key)
	}
	if len(payload) > MaxPayload {
		return fmt.Errorf("cloud: record of %d bytes is too large", len(payload))
	}
	p.last = key
	binary.BigEndian.PutUint64(p.hdr[0:8], uint64(key))
	binary.BigEndian.PutUint32(p.hdr[8:12], uint32(len(payload)))
	if _, err := p.buf.Write(p.hdr[:]); err != nil {
		return fmt.Errorf("cloud: writing %s: %v", p.key, err)
	}
	if _, err := p.buf.Write(payload); err != nil {
		return fmt.Errorf("cloud: writing %s: %v", p.key, err)
	}
	p.n++
	return nil
}

// Close finishes the part and commits it.
func (p *PartWriter) Close() error {
	defer p.cancel()
	if err := p.buf.Flush(); err != nil {
		p.Abort()
		return fmt.Errorf("cloud: writing %s: %v", p.key, err)
	}
	if p.zw != nil {
		if err := p.zw.Close(); err != nil {
			p.Abort()
			return fmt.Errorf("cloud: compressing %s: %v", p.key, err)
		}
	}
	if err := p.w.Close(); err != nil {
		p.bucket.Delete(context.Background(), p.tmp)
		return fmt.Errorf("cloud: writing %s: %v", p.key, err)
	}
	if err := commit(p.ctx, p.Log, p.bucket, p.tmp, p.key); err != nil {
		p.bucket.Delete(context.Background(), p.tmp)
		return err
	}
	p.Log.WithFields(logrus.Fields{"part": p.key, "records": p.n}).Debug("committed part")
	return nil
}

// Abort discards the part.
func (p *PartWriter) Abort() {
	p.cancel()
	p.w.Close()
	p.bucket.Delete(context.Background(), p.tmp)
}

// partStream reads the records of one part file.
type partStream struct {
	key string
	rc  io.Closer
	zr  *zstd.Decoder
	r   *bufio.Reader
	hdr [12]byte
}

func openPart(ctx context.Context, log logrus.FieldLogger, bucket *blob.Bucket, key string) (*partStream, error) {
	var br *blob.Reader
	err := retry(ctx, log, func() error {
		var err error
		br, err = bucket.NewReader(ctx, key, nil)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("cloud: opening part %s: %v", key, err)
	}
	s := &partStream{key: key, rc: br}
	var src io.Reader = br
	if strings.HasSuffix(key, compressedExt) {
		s.zr, err = zstd.NewReader(br)
		if err != nil {
			br.Close()
			return nil, fmt.Errorf("cloud: opening part %s: %v", key, err)
		}
		src = s.zr
	}
	s.r = bufio.NewReaderSize(src, 1<<16)
	return s, nil
}

// next returns the next record of the part, or io.EOF at its end.
func (s *partStream) next() (Record, error) {
	n, err := io.ReadFull(s.r, s.hdr[:])
	if err == io.EOF && n == 0 {
		return Record{}, io.EOF
	} else if err != nil {
		return Record{}, fmt.Errorf("cloud: part %s: truncated record header: %w", s.key, io.ErrUnexpectedEOF)
	}
	key := int64(binary.BigEndian.Uint64(s.hdr[0:8]))
	size := int32(binary.BigEndian.Uint32(s.hdr[8:12]))
	if size < 0 || size > MaxPayload {
		return Record{}, fmt.Errorf("cloud: part %s: invalid record size %d", s.key, size)
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(s.r, payload); err != nil {
		return Record{}, fmt.Errorf("cloud: part %s: truncated record %d: %w", s.key, key, io.ErrUnexpectedEOF)
	}
	return Record{Key: key, Payload: payload}, nil
}

func (s *partStream) close() error {
	if s.zr != nil {
		s.zr.Close()
	}
	return s.rc.Close()
}

// PartReader reads the part files of a directory as one stream of
// records. Parts are read in order of their names, and keys must not
// decrease across the whole stream.
type PartReader struct {
	Log logrus.FieldLogger

	ctx    context.Context
	bucket *blob.Bucket
	parts  []string
	first  []int64
	cur    *partStream
	i      int
	last   int64
	n      int
}

// OpenParts lists the part files in the directory prefix of bucket and
// probes the first key of each. Empty parts are skipped. It fails with
// calvalus.ErrOutOfOrder if the order of the names does not match the
// order of the first keys.
func OpenParts(ctx context.Context, bucket *blob.Bucket, prefix string) (*PartReader, error) {
	keys, err := List(ctx, bucket, prefix, PartPrefix)
	if err != nil {
		return nil, err
	}
	r := &PartReader{
		Log:    logrus.StandardLogger(),
		ctx:    ctx,
		bucket: bucket,
		last:   -1 << 63,
	}
	for _, k := range keys {
		s, err := openPart(ctx, r.Log, bucket, k)
		if err != nil {
			return nil, err
		}
		rec, err := s.next()
		s.close()
		if err == io.EOF {
			r.Log.WithFields(logrus.Fields{"part": k}).Debug("skipping empty part")
			continue
		} else if err != nil {
			return nil, err
		}
		if n := len(r.first); n > 0 && rec.Key < r.first[n-1] {
			return nil, fmt.Errorf("%w: part %s starts with key %d, before key %d of %s",
				calvalus.ErrOutOfOrder, path.Base(k), rec.Key, r.first[n-1], path.Base(r.parts[n-1]))
		}
		r.parts = append(r.parts, k)
		r.first = append(r.first, rec.Key)
	}
	return r, nil
}

// Parts returns the keys of the non-empty parts in reading order.
func (r *PartReader) Parts() []string { return r.parts }

// FirstKeys returns the first key of every part in reading order.
func (r *PartReader) FirstKeys() []int64 { return r.first }

// Next returns the next record, or io.EOF after the last one.
func (r *PartReader) Next() (Record, error) {
	for {
		if r.cur == nil {
			if r.i >= len(r.parts) {
				return Record{}, io.EOF
			}
			s, err := openPart(r.ctx, r.Log, r.bucket, r.parts[r.i])
			if err != nil {
				return Record{}, err
			}
			r.cur = s
			r.i++
		}
		rec, err := r.cur.next()
		if err == io.EOF {
			if err := r.cur.close(); err != nil {
				return Record{}, err
			}
			r.cur = nil
			continue
		} else if err != nil {
			return Record{}, err
		}
		if rec.Key < r.last {
			return Record{}, fmt.Errorf("%w: key %d after %d in %s", calvalus.ErrOutOfOrder, rec.Key, r.last, r.cur.key)
		}
		r.last = rec.Key
		r.n++
		return rec, nil
	}
}

// Close releases the part being read.
func (r *PartReader) Close() error {
	if r.cur == nil {
		return nil
	}
	err := r.cur.close()
	r.cur = nil
	return err
}
