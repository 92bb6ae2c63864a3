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

package tilecodec

import (
	"encoding/binary"
	"fmt"
	"io"

	calvalus "github.com/bcdev/calvalus2-sub005"
)

// Cell records carry the counters of a cell followed by its features as
// a single-band tile. The cell index is not part of the record; it is
// the key the record is stored under.
//
//	spatial:  int32 numObs, tile
//	temporal: int32 numObs, int32 numPasses, tile

// AppendSpatialCell appends the record of c to b.
func AppendSpatialCell(b []byte, c *calvalus.SpatialCell) ([]byte, error) {
	b = binary.BigEndian.AppendUint32(b, uint32(int32(c.NumObs)))
	b, err := AppendTile(b, [][]float32{c.Features})
	if err != nil {
		return b, fmt.Errorf("tilecodec: spatial cell %d: %w", c.Index, err)
	}
	return b, nil
}

// AppendTemporalCell appends the record of c to b.
func AppendTemporalCell(b []byte, c *calvalus.TemporalCell) ([]byte, error) {
	b = binary.BigEndian.AppendUint32(b, uint32(int32(c.NumObs)))
	b = binary.BigEndian.AppendUint32(b, uint32(int32(c.NumPasses)))
	b, err := AppendTile(b, [][]float32{c.Features})
	if err != nil {
		return b, fmt.Errorf("tilecodec: temporal cell %d: %w", c.Index, err)
	}
	return b, nil
}

// ReadSpatialCell reads a spatial cell record with index idx from r.
func ReadSpatialCell(r io.Reader, idx int64) (*calvalus.SpatialCell, error) {
	var hdr [4]byte
	if err := readFull(r, hdr[:], true); err != nil {
		return nil, err
	}
	f, err := readFeatures(r)
	if err != nil {
		return nil, err
	}
	return &calvalus.SpatialCell{
		Index:    idx,
		NumObs:   int(int32(binary.BigEndian.Uint32(hdr[:]))),
		Features: f,
	}, nil
}

// ReadTemporalCell reads a temporal cell record with index idx from r.
func ReadTemporalCell(r io.Reader, idx int64) (*calvalus.TemporalCell, error) {
	var hdr [8]byte
	if err := readFull(r, hdr[:], true); err != nil {
		return nil, err
	}
	f, err := readFeatures(r)
	if err != nil {
		return nil, err
	}
	return &calvalus.TemporalCell{
		Index:     idx,
		NumObs:    int(int32(binary.BigEndian.Uint32(hdr[0:4]))),
		NumPasses: int(int32(binary.BigEndian.Uint32(hdr[4:8]))),
		Features:  f,
	}, nil
}

func readFeatures(r io.Reader) (calvalus.Vector, error) {
	t, err := ReadTile(r)
	if err == io.EOF {
		return nil, fmt.Errorf("tilecodec: cell record without features: %w", io.ErrUnexpectedEOF)
	} else if err != nil {
		return nil, err
	}
	switch len(t) {
	case 0:
		return calvalus.Vector{}, nil
	case 1:
		return t[0], nil
	}
	return nil, fmt.Errorf("%w: cell record with %d bands", ErrCorrupt, len(t))
}

// UnmarshalSpatialCell decodes a spatial cell record spanning all of b.
func UnmarshalSpatialCell(b []byte, idx int64) (*calvalus.SpatialCell, error) {
	r := &sliceReader{b: b}
	c, err := ReadSpatialCell(r, idx)
	if err := whole(r, err); err != nil {
		return nil, err
	}
	return c, nil
}

// UnmarshalTemporalCell decodes a temporal cell record spanning all of b.
func UnmarshalTemporalCell(b []byte, idx int64) (*calvalus.TemporalCell, error) {
	r := &sliceReader{b: b}
	c, err := ReadTemporalCell(r, idx)
	if err := whole(r, err); err != nil {
		return nil, err
	}
	return c, nil
}

func whole(r *sliceReader, err error) error {
	if err == io.EOF {
		return fmt.Errorf("tilecodec: empty record: %w", io.ErrUnexpectedEOF)
	} else if err != nil {
		return err
	}
	if len(r.b) != 0 {
		return fmt.Errorf("%w: %d trailing bytes", ErrCorrupt, len(r.b))
	}
	return nil
}
