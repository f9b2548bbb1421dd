// Package hexgrid maps geographic coordinates onto a pointy-top hexagonal grid.
//
// Cells live in axial coordinates (q, r) on a Web-Mercator plane whose cell size
// shrinks by sqrt(7) per resolution step, so resolution 9 cells have an edge of
// roughly 174m. A CellID packs the resolution and the axial pair into a
// 64-bit value rendered as lowercase hex.
package hexgrid

import (
	"errors"
	"fmt"
	"math"
	"strconv"
)

const (
	MinResolution = 0
	MaxResolution = 15

	earthRadiusM   = 6378137.0
	maxMercatorLat = 85.05112878

	// Edge length of a resolution 0 cell in metres.
	baseEdgeM = 1107712.591

	cellMode  = uint64(0x8) << 60
	axialBits = 28
	axialBias = 1 << (axialBits - 1)
	axialMask = uint64(1)<<axialBits - 1
)

var (
	ErrInvalidResolution = errors.New("hexgrid: invalid resolution")
	ErrInvalidCoordinate = errors.New("hexgrid: invalid coordinate")
	ErrInvalidCell       = errors.New("hexgrid: invalid cell id")
)

// CellID identifies one cell at one resolution.
type CellID string

// LngLat is a boundary vertex in GeoJSON order.
type LngLat [2]float64

// Axial is a position on the hex grid. The third cube coordinate is s = -q - r.
type Axial struct {
	Q int `json:"q"`
	R int `json:"r"`
}

func (a Axial) S() int { return -a.Q - a.R }

var neighborDirections = [6]Axial{
	{Q: 1, R: 0},
	{Q: 1, R: -1},
	{Q: 0, R: -1},
	{Q: -1, R: 0},
	{Q: -1, R: 1},
	{Q: 0, R: 1},
}

// Neighbors returns the six adjacent positions.
func (a Axial) Neighbors() [6]Axial {
	var out [6]Axial
	for i, d := range neighborDirections {
		out[i] = Axial{Q: a.Q + d.Q, R: a.R + d.R}
	}
	return out
}

// Distance is the number of grid steps between two positions.
func Distance(a, b Axial) int {
	dq := absInt(a.Q - b.Q)
	dr := absInt(a.R - b.R)
	ds := absInt(a.S() - b.S())
	m := dq
	if dr > m {
		m = dr
	}
	if ds > m {
		m = ds
	}
	return m
}

func ValidResolution(res int) bool {
	return res >= MinResolution && res <= MaxResolution
}

// EdgeMeters is the cell edge length at res on the projection plane.
func EdgeMeters(res int) float64 {
	return baseEdgeM / math.Pow(math.Sqrt(7), float64(res))
}

// Encode packs a resolution and axial position into a CellID.
func Encode(res int, a Axial) (CellID, error) {
	if !ValidResolution(res) {
		return "", fmt.Errorf("%w: %d", ErrInvalidResolution, res)
	}
	q := int64(a.Q) + axialBias
	r := int64(a.R) + axialBias
	if q < 0 || r < 0 || uint64(q) > axialMask || uint64(r) > axialMask {
		return "", fmt.Errorf("%w: axial %d,%d out of range", ErrInvalidCoordinate, a.Q, a.R)
	}
	v := cellMode | uint64(res)<<(2*axialBits) | uint64(q)<<axialBits | uint64(r)
	return CellID(strconv.FormatUint(v, 16)), nil
}

// Parse is the inverse of Encode.
func Parse(id CellID) (int, Axial, error) {
	v, err := strconv.ParseUint(string(id), 16, 64)
	if err != nil {
		return 0, Axial{}, fmt.Errorf("%w: %q", ErrInvalidCell, id)
	}
	if v>>60 != cellMode>>60 {
		return 0, Axial{}, fmt.Errorf("%w: %q", ErrInvalidCell, id)
	}
	res := int(v >> (2 * axialBits) & 0xf)
	q := int(int64(v>>axialBits&axialMask) - axialBias)
	r := int(int64(v&axialMask) - axialBias)
	return res, Axial{Q: q, R: r}, nil
}

// CellAt returns the cell containing (lat, lng) at res.
func CellAt(lat, lng float64, res int) (CellID, error) {
	if !ValidResolution(res) {
		return "", fmt.Errorf("%w: %d", ErrInvalidResolution, res)
	}
	if math.IsNaN(lat) || math.IsNaN(lng) || math.IsInf(lat, 0) || math.IsInf(lng, 0) ||
		lat < -90 || lat > 90 || lng < -180 || lng > 180 {
		return "", fmt.Errorf("%w: lat=%v lng=%v", ErrInvalidCoordinate, lat, lng)
	}
	x, y := project(lat, lng)
	size := EdgeMeters(res)
	fq := (math.Sqrt(3)/3*x - y/3) / size
	fr := (2.0 / 3 * y) / size
	return Encode(res, roundAxial(fq, fr))
}

// Center returns the geographic centre of a cell.
func Center(id CellID) (lat, lng float64, err error) {
	res, a, err := Parse(id)
	if err != nil {
		return 0, 0, err
	}
	x, y := axialToPlane(a, EdgeMeters(res))
	lat, lng = unproject(x, y)
	return lat, lng, nil
}

// Boundary returns the closed polygon ring of a cell as (lng, lat) pairs; the
// first vertex is repeated at the end.
func Boundary(id CellID) ([]LngLat, error) {
	res, a, err := Parse(id)
	if err != nil {
		return nil, err
	}
	size := EdgeMeters(res)
	cx, cy := axialToPlane(a, size)
	ring := make([]LngLat, 0, 7)
	for i := 0; i < 6; i++ {
		angle := math.Pi / 180 * float64(60*i-30)
		lat, lng := unproject(cx+size*math.Cos(angle), cy+size*math.Sin(angle))
		ring = append(ring, LngLat{lng, lat})
	}
	ring = append(ring, ring[0])
	return ring, nil
}

// Disk returns every cell within radius steps of id, id included. Order is
// deterministic: by q, then r.
func Disk(id CellID, radius int) ([]CellID, error) {
	res, c, err := Parse(id)
	if err != nil {
		return nil, err
	}
	if radius < 0 {
		return nil, fmt.Errorf("hexgrid: negative radius %d", radius)
	}
	out := make([]CellID, 0, 1+3*radius*(radius+1))
	for dq := -radius; dq <= radius; dq++ {
		lo := maxInt(-radius, -dq-radius)
		hi := minInt(radius, -dq+radius)
		for dr := lo; dr <= hi; dr++ {
			cell, err := Encode(res, Axial{Q: c.Q + dq, R: c.R + dr})
			if err != nil {
				continue
			}
			out = append(out, cell)
		}
	}
	return out, nil
}

// Neighbors returns the six cells adjacent to id.
func Neighbors(id CellID) ([]CellID, error) {
	res, c, err := Parse(id)
	if err != nil {
		return nil, err
	}
	out := make([]CellID, 0, 6)
	for _, a := range c.Neighbors() {
		cell, err := Encode(res, a)
		if err != nil {
			continue
		}
		out = append(out, cell)
	}
	return out, nil
}

// GridDistance is the step distance between two cells of the same resolution.
func GridDistance(a, b CellID) (int, error) {
	ra, pa, err := Parse(a)
	if err != nil {
		return 0, err
	}
	rb, pb, err := Parse(b)
	if err != nil {
		return 0, err
	}
	if ra != rb {
		return 0, fmt.Errorf("%w: resolution mismatch %d != %d", ErrInvalidResolution, ra, rb)
	}
	return Distance(pa, pb), nil
}

func project(lat, lng float64) (x, y float64) {
	lat = math.Max(-maxMercatorLat, math.Min(maxMercatorLat, lat))
	x = earthRadiusM * lng * math.Pi / 180
	y = earthRadiusM * math.Log(math.Tan(math.Pi/4+lat*math.Pi/360))
	return x, y
}

func unproject(x, y float64) (lat, lng float64) {
	lng = x / earthRadiusM * 180 / math.Pi
	lat = (2*math.Atan(math.Exp(y/earthRadiusM)) - math.Pi/2) * 180 / math.Pi
	return lat, lng
}

func axialToPlane(a Axial, size float64) (x, y float64) {
	x = size * (math.Sqrt(3)*float64(a.Q) + math.Sqrt(3)/2*float64(a.R))
	y = size * (1.5 * float64(a.R))
	return x, y
}

func roundAxial(fq, fr float64) Axial {
	fs := -fq - fr
	q := math.Round(fq)
	r := math.Round(fr)
	s := math.Round(fs)
	dq := math.Abs(q - fq)
	dr := math.Abs(r - fr)
	ds := math.Abs(s - fs)
	switch {
	case dq > dr && dq > ds:
		q = -r - s
	case dr > ds:
		r = -q - s
	}
	return Axial{Q: int(q), R: int(r)}
}

func absInt(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
