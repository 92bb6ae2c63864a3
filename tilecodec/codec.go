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

// Package tilecodec encodes the records exchanged between the stages of
// the pipeline: dense float tiles, cell records built on them, and a
// packed variant holding three short integers or a metadata string.
//
// A tile is encoded as
//
//	int32 numBands
//	int32 numElemsPerBand
//	numBands × numElemsPerBand IEEE-754 float32
//
// with all values big-endian. Floats are written bit for bit, so NaN
// payloads survive a round trip.
package tilecodec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

// ErrCorrupt is returned for records that cannot have been written by
// this package.
var ErrCorrupt = errors.New("tilecodec: corrupt record")

// MaxValues limits the number of floats a single decoded tile may hold.
const MaxValues = 1 << 28

// Size returns the encoded size of a tile.
func Size(numBands, numElems int) int {
	return 8 + 4*numBands*numElems
}

func checkTile(bands [][]float32) (int, error) {
	if len(bands) == 0 {
		return 0, nil
	}
	n := len(bands[0])
	for i, b := range bands {
		if len(b) != n {
			return 0, fmt.Errorf("tilecodec: band %d has %d values but band 0 has %d", i, len(b), n)
		}
	}
	if len(bands)*n > MaxValues {
		return 0, fmt.Errorf("tilecodec: tile with %d values is too large", len(bands)*n)
	}
	return n, nil
}

// AppendTile appends the encoding of bands to b. All bands must have
// the same length.
func AppendTile(b []byte, bands [][]float32) ([]byte, error) {
	n, err := checkTile(bands)
	if err != nil {
		return b, err
	}
	b = binary.BigEndian.AppendUint32(b, uint32(len(bands)))
	b = binary.BigEndian.AppendUint32(b, uint32(n))
	for _, band := range bands {
		for _, v := range band {
			b = binary.BigEndian.AppendUint32(b, math.Float32bits(v))
		}
	}
	return b, nil
}

// WriteTile writes the encoding of bands to w.
func WriteTile(w io.Writer, bands [][]float32) error {
	n, err := checkTile(bands)
	if err != nil {
		return err
	}
	b, err := AppendTile(make([]byte, 0, Size(len(bands), n)), bands)
	if err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}

// ReadTile reads one tile from r. It returns io.EOF if r is at its end
// before the first byte of the record, and an error wrapping
// io.ErrUnexpectedEOF if the record is truncated.
func ReadTile(r io.Reader) ([][]float32, error) {
	var hdr [8]byte
	if err := readFull(r, hdr[:], true); err != nil {
		return nil, err
	}
	numBands := int32(binary.BigEndian.Uint32(hdr[0:4]))
	numElems := int32(binary.BigEndian.Uint32(hdr[4:8]))
	if numBands < 0 || numElems < 0 || int64(numBands)*int64(numElems) > MaxValues {
		return nil, fmt.Errorf("%w: tile of %d×%d values", ErrCorrupt, numBands, numElems)
	}
	values, err := readValues(r, int(numBands)*int(numElems))
	if err != nil {
		return nil, err
	}
	bands := make([][]float32, numBands)
	for i := range bands {
		bands[i] = values[i*int(numElems) : (i+1)*int(numElems) : (i+1)*int(numElems)]
	}
	return bands, nil
}

// chunkSize is the number of bytes decoded per read. Values are
// allocated as they arrive, not from the header.
const chunkSize = 1 << 16

// readValues reads n big-endian floats from r.
func readValues(r io.Reader, n int) ([]float32, error) {
	values := make([]float32, 0, min(n, chunkSize/4))
	buf := make([]byte, min(4*n, chunkSize))
	for len(values) < n {
		chunk := buf[:min(4*(n-len(values)), len(buf))]
		if err := readFull(r, chunk, false); err != nil {
			return nil, err
		}
		for i := 0; i < len(chunk); i += 4 {
			values = append(values, math.Float32frombits(binary.BigEndian.Uint32(chunk[i:])))
		}
	}
	return values, nil
}

// MarshalTile returns the encoding of bands.
func MarshalTile(bands [][]float32) ([]byte, error) {
	return AppendTile(nil, bands)
}

// UnmarshalTile decodes a tile that must span all of b.
func UnmarshalTile(b []byte) ([][]float32, error) {
	r := &sliceReader{b: b}
	t, err := ReadTile(r)
	if err == io.EOF {
		return nil, fmt.Errorf("tilecodec: empty record: %w", io.ErrUnexpectedEOF)
	} else if err != nil {
		return nil, err
	}
	if len(r.b) != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrCorrupt, len(r.b))
	}
	return t, nil
}

// readFull reads len(b) bytes. A clean end of input before the first
// byte is reported as io.EOF if atStart is set; any other short read is
// an unexpected EOF.
func readFull(r io.Reader, b []byte, atStart bool) error {
	n, err := io.ReadFull(r, b)
	switch {
	case err == nil:
		return nil
	case err == io.EOF && n == 0 && atStart:
		return io.EOF
	case err == io.EOF || err == io.ErrUnexpectedEOF:
		return fmt.Errorf("tilecodec: truncated record after %d of %d bytes: %w", n, len(b), io.ErrUnexpectedEOF)
	default:
		return err
	}
}

type sliceReader struct{ b []byte }

func (s *sliceReader) Read(p []byte) (int, error) {
	if len(s.b) == 0 {
		return 0, io.EOF
	}
	n := copy(p, s.b)
	s.b = s.b[n:]
	return n, nil
}
