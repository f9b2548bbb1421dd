package hexgrid

// Grid bundles the package functions behind a value so callers can depend on a
// small interface instead of the package.
type Grid struct{}

func (Grid) CellAt(lat, lng float64, res int) (CellID, error) { return CellAt(lat, lng, res) }
func (Grid) Center(id CellID) (float64, float64, error)       { return Center(id) }
func (Grid) Boundary(id CellID) ([]LngLat, error)             { return Boundary(id) }
func (Grid) Disk(id CellID, radius int) ([]CellID, error)     { return Disk(id, radius) }
func (Grid) Neighbors(id CellID) ([]CellID, error)            { return Neighbors(id) }

// ViewConfig controls which cells a map viewport shows.
type ViewConfig struct {
	MinZoom    float64 `yaml:"min_zoom"`
	Resolution int     `yaml:"resolution"`
	DiskRadius int     `yaml:"disk_radius"`
}

func DefaultViewConfig() ViewConfig {
	return ViewConfig{MinZoom: 14, Resolution: 9, DiskRadius: 12}
}

// Visible returns the cells around a viewport centre. Below MinZoom the grid is
// not drawn and the result is empty.
func Visible(cfg ViewConfig, lat, lng, zoom float64) ([]CellID, error) {
	if zoom < cfg.MinZoom {
		return nil, nil
	}
	center, err := CellAt(lat, lng, cfg.Resolution)
	if err != nil {
		return nil, err
	}
	return Disk(center, cfg.DiskRadius)
}
