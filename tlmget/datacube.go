package tlmget

import (
	"context"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	tlmerrors "github.com/flaneur2020/tlm-get/tlmget/errors"
	"github.com/flaneur2020/tlm-get/tlmget/logger"
)

// R10mBands are the bands of a Sentinel-2 product at 10 m resolution.
var R10mBands = []string{"B02", "B03", "B04", "B08"}

// TimeSlice is one step of a datacube's time axis.
type TimeSlice struct {
	ProductID   string
	SensingTime time.Time
}

// SelectTimeSlices keeps one product per sensing time and orders them by
// time. When several products share a sensing time the last one listed
// wins. Unparsable product ids are skipped.
func SelectTimeSlices(productIDs []string) []TimeSlice {
	byTime := make(map[time.Time]string)
	for _, pid := range productIDs {
		parsed, err := ParseProductID(pid)
		if err != nil {
			logger.Warn("Skipping %s: %v", pid, err)
			continue
		}
		if prev, ok := byTime[parsed.SensingTime]; ok {
			logger.Info("%s replaces %s sensed at the same time", pid, prev)
		}
		byTime[parsed.SensingTime] = pid
	}

	slices := make([]TimeSlice, 0, len(byTime))
	for t, pid := range byTime {
		slices = append(slices, TimeSlice{ProductID: pid, SensingTime: t})
	}
	sort.Slice(slices, func(i, j int) bool {
		return slices[i].SensingTime.Before(slices[j].SensingTime)
	})
	return slices
}

// Datacube holds one chunk manifest per (time slice, band).
type Datacube struct {
	Slices    []TimeSlice
	Bands     []string
	manifests [][]*ChunkManifest // [slice][band]
}

// Manifest returns the manifest of band at time step t.
func (c *Datacube) Manifest(t int, band string) *ChunkManifest {
	for b, name := range c.Bands {
		if name == band {
			return c.manifests[t][b]
		}
	}
	return nil
}

// DatacubeOptions configure BuildDatacube.
type DatacubeOptions struct {
	// Bands defaults to R10mBands.
	Bands       []string
	Concurrency int
	// RefPath maps a catalog path to the locator read and written into the
	// references. Nil keeps the path.
	RefPath func(path string) string
}

// BuildDatacube stacks the bands of productIDs along time, one product per
// sensing time. Every band of every kept product must be in the catalog.
func BuildDatacube(ctx context.Context, c Catalog, reader *TileReader, productIDs []string, opts DatacubeOptions) (*Datacube, error) {
	bands := opts.Bands
	if len(bands) == 0 {
		bands = R10mBands
	}
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	refPath := opts.RefPath
	if refPath == nil {
		refPath = func(path string) string { return path }
	}

	slices := SelectTimeSlices(productIDs)
	if len(slices) == 0 {
		return nil, tlmerrors.ErrInvalidArgument.WithMessage("no product to stack")
	}

	cube := &Datacube{Slices: slices, Bands: bands, manifests: make([][]*ChunkManifest, len(slices))}
	for t := range cube.manifests {
		cube.manifests[t] = make([]*ChunkManifest, len(bands))
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for t, slice := range slices {
		for b, band := range bands {
			t, b, pid, band := t, b, slice.ProductID, band
			g.Go(func() error {
				entry, err := c.Lookup(gctx, pid, band)
				if err != nil {
					return err
				}
				idx, err := ParseIndexBlob(entry.Index, entry.Metadata)
				if err != nil {
					return err
				}
				locator := refPath(entry.Path)
				ranges, err := reader.Ranges(gctx, idx, locator)
				if err != nil {
					return err
				}
				m, err := BuildChunkManifest(locator, ranges, reader.Geometry)
				if err != nil {
					return err
				}
				cube.manifests[t][b] = m
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	logger.Info("Built a datacube of %d time steps and %d bands", len(slices), len(bands))
	return cube, nil
}
