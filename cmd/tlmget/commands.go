package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/flaneur2020/tlm-get/tlmget"
	tlmerrors "github.com/flaneur2020/tlm-get/tlmget/errors"
	"github.com/flaneur2020/tlm-get/tlmget/jp2util"
	"github.com/flaneur2020/tlm-get/tlmget/storage"
)

// env is the configured storage, geometry and catalog, built once per
// command.
type env struct {
	remote  storage.Storage
	local   storage.Storage
	router  *storage.Router
	geom    jp2util.Geometry
	catalog tlmget.Catalog
}

// session is one product band resolved through the catalog.
type session struct {
	*env
	index   tlmget.TileIndex
	locator string
}

func openCatalog(ctx context.Context, s storage.Storage) (tlmget.Catalog, error) {
	if cfg.Catalog == "" {
		return nil, fmt.Errorf("no catalog configured (use --catalog or the catalog key)")
	}
	if strings.Contains(cfg.Catalog, "{level}") {
		return tlmget.NewPartitionedCatalog(s, cfg.Catalog, cfg.CatalogCacheSize)
	}
	return tlmget.LoadTableCatalog(ctx, s, normalizeLocator(cfg.Catalog))
}

func newEnv(ctx context.Context) (*env, error) {
	remote, local, err := cfg.backends()
	if err != nil {
		return nil, err
	}
	geom, err := cfg.geometry()
	if err != nil {
		return nil, err
	}
	router := storage.NewRouter(nil, remote, local)

	catalog, err := openCatalog(ctx, router)
	if err != nil {
		return nil, err
	}
	return &env{remote: remote, local: local, router: router, geom: geom, catalog: catalog}, nil
}

func mustEnv(ctx context.Context) *env {
	e, err := newEnv(ctx)
	if err != nil {
		fail("%v", err)
	}
	return e
}

func (e *env) session(ctx context.Context, productID, bandID string) (*session, error) {
	entry, err := e.catalog.Lookup(ctx, productID, bandID)
	if err != nil {
		return nil, err
	}
	idx, err := tlmget.ParseIndexBlob(entry.Index, entry.Metadata)
	if err != nil {
		return nil, err
	}

	locator := cfg.locator(entry.Path)
	if locatorFlag != "" {
		locator = normalizeLocator(locatorFlag)
	}
	return &session{env: e, index: idx, locator: locator}, nil
}

func (e *env) mustSession(ctx context.Context, productID, bandID string) *session {
	s, err := e.session(ctx, productID, bandID)
	if err != nil {
		fail("%v", err)
	}
	return s
}

func mustSession(ctx context.Context, productID, bandID string) *session {
	return mustEnv(ctx).mustSession(ctx, productID, bandID)
}

func (s *session) ranges(ctx context.Context) jp2util.TileRanges {
	ranges, err := tlmget.NewTileReader(s.router, s.geom).Ranges(ctx, s.index, s.locator)
	if err != nil {
		fail("%v", err)
	}
	return ranges
}

func runInfo(cmd *cobra.Command, args []string) {
	ctx := context.Background()
	s := mustSession(ctx, args[0], args[1])

	fmt.Printf("%s %s\n", bold("Product:"), args[0])
	if pid, err := tlmget.ParseProductID(args[0]); err == nil {
		fmt.Printf("  Level %s, tile %s, orbit %s, sensed %s\n",
			pid.Level, pid.MGRSTile, pid.RelativeOrbit, pid.SensingTime.Format("2006-01-02 15:04:05"))
	}
	fmt.Printf("%s %s\n", bold("Band:"), args[1])
	fmt.Printf("%s %s\n", bold("Locator:"), s.locator)

	switch idx := s.index.(type) {
	case *tlmget.VirtualIndex:
		fmt.Printf("%s %s\n", bold("Index:"), green("virtual TLM"))
		fmt.Printf("  File size: %d bytes\n", idx.FileSize)
		fmt.Printf("  First tile-part: %d\n", idx.FirstTilePartOffset)
		fmt.Printf("  TLM segment: %d bytes\n", idx.TLMLength())
	case *tlmget.NoopIndex:
		fmt.Printf("%s %s\n", bold("Index:"), yellow("none, the file carries its own TLM"))
	}

	fmt.Println(bold("Reader hints:"))
	hints := tlmget.RecommendedHints(s.index)
	for _, key := range []string{tlmget.HintDisableReaddir, tlmget.HintIngestedBytes, tlmget.HintAllowedExtensions} {
		if v, ok := hints[key]; ok {
			fmt.Printf("  %s=%s\n", key, v)
		}
	}

	if verify, _ := cmd.Flags().GetBool("verify"); verify {
		verifyDataset(ctx, s)
	}
}

// verifyDataset opens the file the way a decoder would and checks that the
// main header it sees carries a usable TLM.
func verifyDataset(ctx context.Context, s *session) {
	ds, err := tlmget.Open(ctx, s.index, s.locator, &tlmget.OpenOptions{Remote: s.remote, Local: s.local})
	if err != nil {
		fail("%v", err)
	}
	defer ds.Close()

	header, err := ds.MainHeader()
	if err != nil {
		fail("%v", err)
	}
	if header.TLM == nil {
		fail("%s shows no TLM", ds.Name())
	}
	geom, err := header.Geometry()
	if err != nil {
		fail("%v", err)
	}
	ranges, err := jp2util.ParseTLM(header.TLM, uint64(header.FirstTilePartOffset))
	if err != nil {
		fail("%v", err)
	}
	if err := ranges.Validate(uint64(ds.Size())); err != nil {
		fail("%v", err)
	}
	fmt.Printf("%s %s reads as %dx%d pixels, %d tiles of %d\n",
		green("Verified:"), ds.Name(), geom.RasterWidth, geom.RasterHeight, len(ranges), geom.TileSize)
}

func compileFilter(cmd *cobra.Command) *tlmget.TileFilter {
	where, _ := cmd.Flags().GetString("where")
	if where == "" {
		return nil
	}
	f, err := tlmget.CompileTileFilter(where)
	if err != nil {
		fail("%v", err)
	}
	return f
}

func runRanges(cmd *cobra.Command, args []string) {
	ctx := context.Background()
	s := mustSession(ctx, args[0], args[1])
	filter := compileFilter(cmd)

	ranges := s.ranges(ctx)
	tiles, err := filter.Select(s.geom, ranges)
	if err != nil {
		fail("%v", err)
	}

	fmt.Printf("%5s %4s %4s %12s %10s\n", "TILE", "ROW", "COL", "OFFSET", "LENGTH")
	var total uint64
	for _, tile := range tiles {
		row, col, _ := s.geom.Cell(tile)
		r := ranges[tile]
		fmt.Printf("%5d %4d %4d %12d %10d\n", tile, row, col, r.Offset, r.Length)
		total += uint64(r.Length)
	}
	fmt.Printf("%d tiles, %d bytes\n", len(tiles), total)
}

func runSparse(cmd *cobra.Command, args []string) {
	ctx := context.Background()
	s := mustSession(ctx, args[0], args[1])

	v, ok := s.index.(*tlmget.VirtualIndex)
	if !ok {
		fmt.Println(yellow("The file carries its own TLM; it is read as is."))
		return
	}
	d, err := v.SparseDescriptor(storage.NewMemFS(), s.locator)
	if err != nil {
		fail("%v", err)
	}
	defer d.Close()

	content, err := d.XML()
	if err != nil {
		fail("%v", err)
	}
	fmt.Println(string(content))
}

func runManifest(cmd *cobra.Command, args []string) {
	ctx := context.Background()
	productID := args[0]

	e := mustEnv(ctx)
	k := tlmget.NewKerchunk()
	for _, band := range args[1:] {
		s := e.mustSession(ctx, productID, band)
		m, err := tlmget.BuildChunkManifest(s.locator, s.ranges(ctx), s.geom)
		if err != nil {
			fail("%v", err)
		}
		attrs := map[string]interface{}{"product_id": productID, "band_id": band}
		if err := k.AddArray(band, m, attrs); err != nil {
			fail("%v", err)
		}
	}

	writeKerchunk(cmd, k)
}

func writeKerchunk(cmd *cobra.Command, k *tlmget.Kerchunk) {
	var out io.Writer = os.Stdout
	if path, _ := cmd.Flags().GetString("output"); path != "" {
		f, err := os.Create(path)
		if err != nil {
			fail("%v", err)
		}
		defer f.Close()
		out = f
	}
	if _, err := k.WriteTo(out); err != nil {
		fail("%v", err)
	}
}

func runDatacube(cmd *cobra.Command, args []string) {
	ctx := context.Background()
	e := mustEnv(ctx)
	table, ok := e.catalog.(*tlmget.TableCatalog)
	if !ok {
		fail("datacube needs a table catalog that can list its products, not a partition pattern")
	}

	productIDs := args
	if len(productIDs) == 0 {
		productIDs = table.ProductIDs()
	}
	bands, _ := cmd.Flags().GetStringSlice("bands")
	concurrency, _ := cmd.Flags().GetInt("concurrency")
	if concurrency <= 0 {
		concurrency = cfg.Concurrency
	}

	reader := tlmget.NewTileReader(e.router, e.geom)
	cube, err := tlmget.BuildDatacube(ctx, table, reader, productIDs, tlmget.DatacubeOptions{
		Bands:       bands,
		Concurrency: concurrency,
		RefPath:     cfg.locator,
	})
	if err != nil {
		fail("%v", err)
	}

	k := tlmget.NewKerchunk()
	if err := k.AddDatacube(cube); err != nil {
		fail("%v", err)
	}
	writeKerchunk(cmd, k)

	first, last := cube.Slices[0].SensingTime, cube.Slices[len(cube.Slices)-1].SensingTime
	fmt.Fprintf(os.Stderr, "%s %d time steps from %s to %s, bands %s\n", green("Datacube:"),
		len(cube.Slices), first.Format("2006-01-02"), last.Format("2006-01-02"), strings.Join(cube.Bands, ","))
}

// parseWindow reads X,Y,WIDTH,HEIGHT.
func parseWindow(fields []string) (tlmget.Window, error) {
	if len(fields) != 4 {
		return tlmget.Window{}, fmt.Errorf("window needs X,Y,WIDTH,HEIGHT, got %q", strings.Join(fields, ","))
	}
	var v [4]int
	for i, field := range fields {
		n, err := strconv.Atoi(strings.TrimSpace(field))
		if err != nil {
			return tlmget.Window{}, fmt.Errorf("window: %w", err)
		}
		v[i] = n
	}
	return tlmget.Window{X: v[0], Y: v[1], Width: v[2], Height: v[3]}, nil
}

// selectTiles intersects the --tiles, --window and --where selections.
// Without any of them every tile is selected.
func selectTiles(cmd *cobra.Command, geom jp2util.Geometry, ranges jp2util.TileRanges) ([]int, error) {
	selected, err := compileFilter(cmd).Select(geom, ranges)
	if err != nil {
		return nil, err
	}

	keep := func(allowed []int) {
		set := make(map[int]bool, len(allowed))
		for _, t := range allowed {
			set[t] = true
		}
		var out []int
		for _, t := range selected {
			if set[t] {
				out = append(out, t)
			}
		}
		selected = out
	}

	if tiles, _ := cmd.Flags().GetIntSlice("tiles"); len(tiles) > 0 {
		for _, t := range tiles {
			if t < 0 || t >= len(ranges) {
				return nil, tlmerrors.ErrInvalidArgument.Errorf("tile %d outside 0..%d", t, len(ranges)-1)
			}
		}
		keep(tiles)
	}
	if win, _ := cmd.Flags().GetString("window"); win != "" {
		w, err := parseWindow(strings.Split(win, ","))
		if err != nil {
			return nil, err
		}
		tiles, err := tlmget.TilesForWindow(geom, w)
		if err != nil {
			return nil, err
		}
		keep(tiles)
	}
	return selected, nil
}

func runExtract(cmd *cobra.Command, args []string) {
	ctx := context.Background()
	productID, band := args[0], args[1]
	outputDir := "."
	if len(args) > 2 {
		outputDir = args[2]
	}
	s := mustSession(ctx, productID, band)

	tiles, err := selectTiles(cmd, s.geom, s.ranges(ctx))
	if err != nil {
		fail("%v", err)
	}
	if len(tiles) == 0 {
		fail("no tiles selected")
	}

	raw, _ := cmd.Flags().GetBool("raw")
	ext := ".j2k"
	if raw {
		ext = ".tile"
	}
	var jobs []*tlmget.TileJob
	for _, tile := range tiles {
		row, col, _ := s.geom.Cell(tile)
		jobs = append(jobs, &tlmget.TileJob{
			Index:      s.index,
			Locator:    s.locator,
			Tile:       tile,
			OutputPath: filepath.Join(outputDir, productID, band, fmt.Sprintf("%s_r%02d_c%02d%s", band, row, col, ext)),
			Raw:        raw,
		})
	}

	concurrency, _ := cmd.Flags().GetInt("concurrency")
	if concurrency <= 0 {
		concurrency = cfg.Concurrency
	}
	extractor := tlmget.NewExtractor(tlmget.NewTileReader(s.router, s.geom), concurrency)

	showProgress := !noProgress
	var progressCallback tlmget.ProgressCallback
	var bar *progressbar.ProgressBar
	if showProgress {
		progressCallback = func(current, total int64) {
			if bar == nil && total > 0 {
				bar = progressbar.DefaultBytes(total, fmt.Sprintf("Extracting %d tiles", len(jobs)))
			}
			if bar != nil {
				_ = bar.Set64(current)
			}
		}
	}

	stats, err := extractor.Extract(ctx, jobs, progressCallback)
	if bar != nil {
		fmt.Println()
	}
	fmt.Printf("%s %d/%d tiles (%d bytes written)",
		green("Extracted"), stats.ExtractedTiles, stats.TotalTiles, stats.WrittenBytes)
	if stats.FailedTiles > 0 {
		fmt.Printf(" %s", yellow(fmt.Sprintf("(%d failed)", stats.FailedTiles)))
	}
	fmt.Println()
	if err != nil {
		fail("%v", err)
	}
}

func runWindow(cmd *cobra.Command, args []string) {
	ctx := context.Background()
	s := mustSession(ctx, args[0], args[1])

	w, err := parseWindow(args[2:])
	if err != nil {
		fail("%v", err)
	}
	tiles, err := tlmget.TilesForWindow(s.geom, w)
	if err != nil {
		fail("%v", err)
	}

	ranges := s.ranges(ctx)
	var total uint64
	for _, tile := range tiles {
		row, col, _ := s.geom.Cell(tile)
		r := ranges[tile]
		fmt.Printf("tile %3d (row %2d, col %2d) %s\n", tile, row, col, r)
		total += uint64(r.Length)
	}
	fmt.Printf("%d tiles, %d bytes to fetch out of %d\n", len(tiles), total, ranges.End())
}

func runIndex(cmd *cobra.Command, args []string) {
	ctx := context.Background()
	locator := normalizeLocator(args[0])
	productID, _ := cmd.Flags().GetString("product-id")
	band, _ := cmd.Flags().GetString("band")
	path, _ := cmd.Flags().GetString("path")
	if path == "" {
		path = args[0]
	}

	remote, local, err := cfg.backends()
	if err != nil {
		fail("%v", err)
	}
	router := storage.NewRouter(nil, remote, local)

	meta := tlmget.Metadata{ProductID: productID, BandID: band, Path: path}
	idx, header, err := tlmget.IndexFile(ctx, router, locator, meta)
	if err != nil {
		fail("%v", err)
	}
	blob := tlmget.MarshalIndex(idx)

	if v, ok := idx.(*tlmget.VirtualIndex); ok {
		ranges, _ := v.TileRanges()
		fmt.Printf("%s %d tile-parts, first at %d, %d byte TLM\n",
			green("Indexed:"), len(ranges), v.FirstTilePartOffset, v.TLMLength())
	} else {
		fmt.Printf("%s file already has a %d byte TLM\n", yellow("Indexed:"), len(header.TLM))
	}

	output, _ := cmd.Flags().GetString("output")
	if output == "" {
		return
	}
	entries, err := readLocalCatalog(output)
	if err != nil {
		fail("%v", err)
	}
	entries = append(entries, tlmget.Entry{Metadata: meta, Index: blob})
	// re-index through a table so a replaced entry keeps its place
	table := tlmget.NewTableCatalog(entries)

	var buf bytes.Buffer
	if err := tlmget.WriteTableCatalog(&buf, table.Entries(), strings.HasSuffix(output, ".zst")); err != nil {
		fail("%v", err)
	}
	if err := os.WriteFile(output, buf.Bytes(), 0644); err != nil {
		fail("%v", err)
	}
	fmt.Printf("Wrote %d entries to %s\n", table.Len(), output)
}

func readLocalCatalog(path string) ([]tlmget.Entry, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()
	table, err := tlmget.ReadTableCatalog(f)
	if err != nil {
		return nil, err
	}
	return table.Entries(), nil
}
