package grid

import (
	"errors"
	"fmt"
)

var ErrOutOfBounds = errors.New("coordinate out of bounds")

// CellID is the row-major encoding y*XMax + x of a coordinate.
type CellID uint64

type Coord struct {
	X uint32 `json:"x"`
	Y uint32 `json:"y"`
}

type Bounds struct {
	XMax uint32 `json:"x_max"`
	YMax uint32 `json:"y_max"`
}

func (b Bounds) Validate() error {
	if b.XMax == 0 || b.YMax == 0 {
		return fmt.Errorf("grid bounds must be positive, got %dx%d", b.XMax, b.YMax)
	}
	return nil
}

func (b Bounds) Contains(c Coord) bool { return c.X < b.XMax && c.Y < b.YMax }

func (b Bounds) Cells() uint64 { return uint64(b.XMax) * uint64(b.YMax) }

func (b Bounds) Encode(c Coord) (CellID, error) {
	if !b.Contains(c) {
		return 0, fmt.Errorf("%w: (%d,%d) outside %dx%d", ErrOutOfBounds, c.X, c.Y, b.XMax, b.YMax)
	}
	return CellID(uint64(c.Y)*uint64(b.XMax) + uint64(c.X)), nil
}

func (b Bounds) Decode(id CellID) (Coord, error) {
	if uint64(id) >= b.Cells() {
		return Coord{}, fmt.Errorf("%w: id %d outside %dx%d", ErrOutOfBounds, id, b.XMax, b.YMax)
	}
	return Coord{
		X: uint32(uint64(id) % uint64(b.XMax)),
		Y: uint32(uint64(id) / uint64(b.XMax)),
	}, nil
}
