package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/flaneur2020/tlm-get/tlmget"
)

var version = "dev"

var (
	configPath  string
	logLevel    string
	logFile     string
	catalogFlag string
	baseURI     string
	locatorFlag string
	noColor     bool
	noProgress  bool

	cfg *Config
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "tlmget",
		Short: "Read tiles of Sentinel-2 JPEG2000 files by byte range, using TLM indexes",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return setup(cmd)
		},
		SilenceUsage: true,
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&configPath, "config", "", "YAML configuration file")
	flags.StringVar(&logLevel, "log-level", "", "Log level: silent, error, warn, info, debug")
	flags.StringVar(&logFile, "log-file", "", "Write logs to a rotated file instead of stderr")
	flags.StringVar(&catalogFlag, "catalog", "", "Index catalog: a table locator or a {level}/{mgrs_tile} partition pattern")
	flags.StringVar(&baseURI, "base-uri", "", "Rebase catalog paths onto this URI")
	flags.StringVar(&locatorFlag, "locator", "", "Read this locator instead of the catalog path")
	flags.BoolVar(&noColor, "no-color", false, "Disable coloured output")

	infoCmd := &cobra.Command{
		Use:   "info <PRODUCT_ID> <BAND>",
		Short: "Show the index of a product band",
		Args:  cobra.ExactArgs(2),
		Run:   runInfo,
	}
	infoCmd.Flags().Bool("verify", false, "Open the file through its index and check the TLM a reader sees")

	rangesCmd := &cobra.Command{
		Use:   "ranges <PRODUCT_ID> <BAND>",
		Short: "List tile byte ranges",
		Args:  cobra.ExactArgs(2),
		Run:   runRanges,
	}
	rangesCmd.Flags().String("where", "", "Tile filter expression, e.g. 'row < 2 && length > 0'")

	sparseCmd := &cobra.Command{
		Use:   "sparse <PRODUCT_ID> <BAND>",
		Short: "Print the sparse file descriptor that splices the TLM in",
		Args:  cobra.ExactArgs(2),
		Run:   runSparse,
	}

	manifestCmd := &cobra.Command{
		Use:   "manifest <PRODUCT_ID> <BAND>...",
		Short: "Write a kerchunk reference set mapping every tile to its byte range",
		Args:  cobra.MinimumNArgs(2),
		Run:   runManifest,
	}
	manifestCmd.Flags().StringP("output", "o", "", "Output file (default stdout)")

	datacubeCmd := &cobra.Command{
		Use:   "datacube [PRODUCT_ID]...",
		Short: "Write a kerchunk reference set stacking products along time (default every catalog product)",
		Run:   runDatacube,
	}
	datacubeCmd.Flags().StringP("output", "o", "", "Output file (default stdout)")
	datacubeCmd.Flags().StringSlice("bands", tlmget.R10mBands, "Bands to stack")
	datacubeCmd.Flags().Int("concurrency", 0, "Manifests built in parallel")

	extractCmd := &cobra.Command{
		Use:   "extract <PRODUCT_ID> <BAND> [OUTPUT_DIR]",
		Short: "Extract tiles as standalone JPEG2000 codestreams",
		Args:  cobra.RangeArgs(2, 3),
		Run:   runExtract,
	}
	extractCmd.Flags().String("where", "", "Tile filter expression")
	extractCmd.Flags().IntSlice("tiles", nil, "Tile numbers to extract")
	extractCmd.Flags().String("window", "", "Pixel window X,Y,WIDTH,HEIGHT")
	extractCmd.Flags().Bool("raw", false, "Write bare tile-parts instead of codestreams")
	extractCmd.Flags().Int("concurrency", 0, "Tiles extracted in parallel")
	extractCmd.Flags().BoolVar(&noProgress, "no-progress", false, "Disable progress bar (progress is enabled by default)")

	windowCmd := &cobra.Command{
		Use:   "window <PRODUCT_ID> <BAND> <X> <Y> <WIDTH> <HEIGHT>",
		Short: "Show the tiles and bytes needed to read a pixel window",
		Args:  cobra.ExactArgs(6),
		Run:   runWindow,
	}

	indexCmd := &cobra.Command{
		Use:   "index <LOCATOR>",
		Short: "Scan a file and build its index",
		Args:  cobra.ExactArgs(1),
		Run:   runIndex,
	}
	indexCmd.Flags().String("product-id", "", "Product id of the file")
	indexCmd.Flags().String("band", "", "Band id of the file")
	indexCmd.Flags().String("path", "", "Path recorded in the catalog (default the locator)")
	indexCmd.Flags().StringP("output", "o", "", "Add the entry to this local catalog file (.zst compresses)")
	_ = indexCmd.MarkFlagRequired("product-id")
	_ = indexCmd.MarkFlagRequired("band")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}

	rootCmd.AddCommand(infoCmd, rangesCmd, sparseCmd, manifestCmd, datacubeCmd, extractCmd, windowCmd, indexCmd, versionCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// setup loads the configuration and applies the global flags on top of it.
func setup(cmd *cobra.Command) error {
	var err error
	cfg, err = loadConfig(configPath)
	if err != nil {
		return err
	}

	flags := cmd.Flags()
	if flags.Changed("log-level") {
		cfg.Log.Level = logLevel
	}
	if flags.Changed("log-file") {
		cfg.Log.File = logFile
	}
	if flags.Changed("catalog") {
		cfg.Catalog = catalogFlag
	}
	if flags.Changed("base-uri") {
		cfg.BaseURI = baseURI
	}
	if err := cfg.setupLogging(); err != nil {
		return err
	}

	if noColor || !isatty.IsTerminal(os.Stdout.Fd()) {
		color.NoColor = true
	}
	return nil
}

var (
	bold    = color.New(color.Bold).SprintFunc()
	green   = color.New(color.FgGreen).SprintFunc()
	yellow  = color.New(color.FgYellow).SprintFunc()
	errText = color.New(color.FgRed, color.Bold).SprintFunc()
)

func fail(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "%s %s\n", errText("Error:"), fmt.Sprintf(format, args...))
	os.Exit(1)
}
