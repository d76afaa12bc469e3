package tlmget

import (
	"context"
	"os"
	"path/filepath"
	"sync"

	"github.com/opencontainers/go-digest"
	"golang.org/x/sync/errgroup"

	tlmerrors "github.com/flaneur2020/tlm-get/tlmget/errors"
	"github.com/flaneur2020/tlm-get/tlmget/jp2util"
	"github.com/flaneur2020/tlm-get/tlmget/logger"
)

// DefaultConcurrency is the number of tiles extracted in parallel.
const DefaultConcurrency = 8

// ProgressCallback is called as tiles are fetched
// current: bytes fetched so far
// total: bytes of all tile-parts to fetch
type ProgressCallback func(current int64, total int64)

// TileJob extracts one tile of one file into OutputPath.
type TileJob struct {
	Index      TileIndex
	Locator    string
	Tile       int
	OutputPath string
	// Raw writes the bare tile-part instead of a standalone codestream.
	Raw bool
}

// TileResult is the outcome of one job.
type TileResult struct {
	Job    *TileJob
	Size   int64         // bytes written
	Digest digest.Digest // sha256 of the bytes written
	Err    error
}

// ExtractStats summarizes a batch.
type ExtractStats struct {
	TotalTiles     int
	TotalBytes     int64 // tile-part bytes to fetch
	ExtractedTiles int
	FailedTiles    int
	WrittenBytes   int64
	Results        []TileResult // in job order
}

// Extractor runs independent tile jobs on a bounded worker pool.
type Extractor struct {
	reader      *TileReader
	concurrency int
}

func NewExtractor(reader *TileReader, concurrency int) *Extractor {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	return &Extractor{reader: reader, concurrency: concurrency}
}

// Extract runs every job, even after failures. It returns the stats and, if
// any job failed, the first error in job order.
func (e *Extractor) Extract(ctx context.Context, jobs []*TileJob, progress ProgressCallback) (*ExtractStats, error) {
	stats := &ExtractStats{TotalTiles: len(jobs), Results: make([]TileResult, len(jobs))}
	if len(jobs) == 0 {
		return stats, nil
	}

	// Resolve each file's ranges once, up front, so the total is known.
	ranges := make(map[string]jp2util.TileRanges)
	rangeErrs := make(map[string]error)
	for _, job := range jobs {
		if _, done := ranges[job.Locator]; done {
			continue
		}
		if _, failed := rangeErrs[job.Locator]; failed {
			continue
		}
		r, err := e.reader.Ranges(ctx, job.Index, job.Locator)
		if err != nil {
			logger.Error("Cannot resolve tile ranges of %s: %v", job.Locator, err)
			rangeErrs[job.Locator] = err
			continue
		}
		ranges[job.Locator] = r
	}
	for _, job := range jobs {
		if r, ok := ranges[job.Locator]; ok && job.Tile >= 0 && job.Tile < len(r) {
			stats.TotalBytes += int64(r[job.Tile].Length)
		}
	}

	var (
		mu      sync.Mutex
		fetched int64
	)
	if progress != nil {
		progress(0, stats.TotalBytes)
	}
	report := func(n int64) {
		mu.Lock()
		defer mu.Unlock()
		fetched += n
		if progress != nil {
			progress(fetched, stats.TotalBytes)
		}
	}

	g := new(errgroup.Group)
	g.SetLimit(e.concurrency)
	for i, job := range jobs {
		i, job := i, job
		g.Go(func() error {
			result := TileResult{Job: job}
			if err, failed := rangeErrs[job.Locator]; failed {
				result.Err = err
			} else {
				result = e.extractOne(ctx, job, ranges[job.Locator], report)
			}
			stats.Results[i] = result
			return nil
		})
	}
	_ = g.Wait()

	var firstErr error
	for _, result := range stats.Results {
		if result.Err != nil {
			stats.FailedTiles++
			if firstErr == nil {
				firstErr = result.Err
			}
			continue
		}
		stats.ExtractedTiles++
		stats.WrittenBytes += result.Size
	}
	if firstErr != nil {
		logger.Warn("%d of %d tiles failed", stats.FailedTiles, stats.TotalTiles)
	}
	return stats, firstErr
}

func (e *Extractor) extractOne(ctx context.Context, job *TileJob, ranges jp2util.TileRanges, report func(int64)) TileResult {
	result := TileResult{Job: job}

	part, err := e.reader.readRange(ctx, ranges, job.Locator, job.Tile)
	if err != nil {
		result.Err = err
		return result
	}
	report(int64(len(part)))

	out := part
	if !job.Raw {
		out, err = e.reader.buildCodestream(part, job.Tile)
		if err != nil {
			result.Err = err
			return result
		}
	}

	if err := os.MkdirAll(filepath.Dir(job.OutputPath), 0755); err != nil {
		result.Err = tlmerrors.ErrWriteFailed.WithCause(err).WithDetail("path", job.OutputPath)
		return result
	}
	if err := os.WriteFile(job.OutputPath, out, 0644); err != nil {
		result.Err = tlmerrors.ErrWriteFailed.WithCause(err).WithDetail("path", job.OutputPath)
		return result
	}

	result.Size = int64(len(out))
	result.Digest = digest.FromBytes(out)
	logger.Debug("Wrote tile %d of %s to %s (%s)", job.Tile, job.Locator, job.OutputPath, result.Digest)
	return result
}
