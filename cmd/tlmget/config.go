package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/flaneur2020/tlm-get/tlmget"
	"github.com/flaneur2020/tlm-get/tlmget/jp2util"
	"github.com/flaneur2020/tlm-get/tlmget/logger"
	"github.com/flaneur2020/tlm-get/tlmget/storage"
)

// Config is the optional YAML configuration. Command-line flags override it.
type Config struct {
	// Catalog is a single table (local path, /vsicurl/, /vsis3/) or a
	// partition pattern containing {level} and {mgrs_tile}.
	Catalog          string `yaml:"catalog"`
	CatalogCacheSize int    `yaml:"catalog_cache_size"`
	// BaseURI rebases catalog paths: everything up to the PathDepth-th slash
	// is replaced by BaseURI.
	BaseURI     string         `yaml:"base_uri"`
	PathDepth   int            `yaml:"path_depth"`
	Geometry    GeometryConfig `yaml:"geometry"`
	HTTP        HTTPConfig     `yaml:"http"`
	Concurrency int            `yaml:"concurrency"`
	Log         LogConfig      `yaml:"log"`
}

type GeometryConfig struct {
	TileSize     uint32 `yaml:"tile_size"`
	RasterWidth  uint32 `yaml:"raster_width"`
	RasterHeight uint32 `yaml:"raster_height"`
}

type HTTPConfig struct {
	Timeout    string            `yaml:"timeout"`
	MaxRetry   int               `yaml:"max_retry"`
	RetryDelay string            `yaml:"retry_delay"`
	Insecure   bool              `yaml:"insecure"`
	S3Endpoint string            `yaml:"s3_endpoint"`
	Headers    map[string]string `yaml:"headers"`
}

type LogConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
}

func defaultConfig() *Config {
	return &Config{
		CatalogCacheSize: tlmget.DefaultPartitionCacheSize,
		PathDepth:        8,
		Geometry: GeometryConfig{
			TileSize:     jp2util.Sentinel2R10m.TileSize,
			RasterWidth:  jp2util.Sentinel2R10m.RasterWidth,
			RasterHeight: jp2util.Sentinel2R10m.RasterHeight,
		},
		HTTP: HTTPConfig{
			Timeout:    "60s",
			MaxRetry:   4,
			RetryDelay: "1s",
		},
		Concurrency: tlmget.DefaultConcurrency,
		Log: LogConfig{
			Level:      "error",
			MaxSizeMB:  100,
			MaxBackups: 3,
		},
	}
}

// loadConfig reads path on top of the defaults. An empty path yields the
// defaults.
func loadConfig(path string) (*Config, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) geometry() (jp2util.Geometry, error) {
	g := jp2util.Geometry{
		TileSize:     c.Geometry.TileSize,
		RasterWidth:  c.Geometry.RasterWidth,
		RasterHeight: c.Geometry.RasterHeight,
	}
	return g, g.Validate()
}

func (c *Config) httpOptions() (storage.HTTPOptions, error) {
	opts := storage.HTTPOptions{
		MaxRetry:   c.HTTP.MaxRetry,
		Insecure:   c.HTTP.Insecure,
		Headers:    c.HTTP.Headers,
		S3Endpoint: c.HTTP.S3Endpoint,
	}
	var err error
	if c.HTTP.Timeout != "" {
		if opts.Timeout, err = time.ParseDuration(c.HTTP.Timeout); err != nil {
			return opts, fmt.Errorf("http.timeout: %w", err)
		}
	}
	if c.HTTP.RetryDelay != "" {
		if opts.RetryDelay, err = time.ParseDuration(c.HTTP.RetryDelay); err != nil {
			return opts, fmt.Errorf("http.retry_delay: %w", err)
		}
	}
	return opts, nil
}

// backends builds the remote and local storage.
func (c *Config) backends() (storage.Storage, storage.Storage, error) {
	opts, err := c.httpOptions()
	if err != nil {
		return nil, nil, err
	}
	return storage.NewHTTPStorage(opts), storage.NewLocalStorage(), nil
}

// locator turns a catalog path into a readable locator. With a BaseURI the
// path is cut after its PathDepth-th slash and appended to it.
func (c *Config) locator(path string) string {
	if c.BaseURI == "" {
		return normalizeLocator(path)
	}
	parts := strings.SplitN(path, "/", c.PathDepth+1)
	tail := parts[len(parts)-1]
	return normalizeLocator(strings.TrimSuffix(c.BaseURI, "/") + "/" + strings.TrimPrefix(tail, "/"))
}

// normalizeLocator decorates bare URLs: http(s):// becomes /vsicurl/ and
// s3:// becomes /vsis3/. Anything else is returned unchanged.
func normalizeLocator(s string) string {
	switch {
	case strings.HasPrefix(s, "http://"), strings.HasPrefix(s, "https://"):
		return storage.PrefixCurl + s
	case strings.HasPrefix(s, "s3://"):
		return storage.PrefixS3 + strings.TrimPrefix(s, "s3://")
	default:
		return s
	}
}

// setupLogging applies the log level and, when a file is configured, sends
// log lines to a size-rotated file.
func (c *Config) setupLogging() error {
	level, err := logger.ParseLevel(c.Log.Level)
	if err != nil {
		return err
	}
	logger.SetLogLevel(level)
	if c.Log.File != "" {
		logger.SetOutput(&lumberjack.Logger{
			Filename:   c.Log.File,
			MaxSize:    c.Log.MaxSizeMB,
			MaxBackups: c.Log.MaxBackups,
		})
	}
	return nil
}
