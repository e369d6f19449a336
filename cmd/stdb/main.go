// Command stdb runs and operates the encrypted spatiotemporal query engine.
package main

import (
	"encoding/hex"
	"fmt"
	"log"
	"os"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	stdb "github.com/KristineHarveyqabrq6163/SpatioTemporalDB-FHE"
	"github.com/KristineHarveyqabrq6163/SpatioTemporalDB-FHE/pkg/grid"
)

var version = "dev"

func main() {
	app := &cli.App{
		Name:    "stdb",
		Usage:   "encrypted spatiotemporal query engine",
		Version: version,
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "log-dev", Usage: "human-readable development logging", EnvVars: []string{"STDB_LOG_DEV"}},
		},
		Commands: []*cli.Command{
			serveCommand(),
			demoCommand(),
			migrateCommand(),
			oracleKeyCommand(),
			inspectCommand(),
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func newLogger(c *cli.Context) (*zap.Logger, error) {
	if c.Bool("log-dev") {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// engineFlags configure stdb.Open; shared by serve and demo.
func engineFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "scheme", Value: "sealed", Usage: "homomorphic backend: sealed or ckks", EnvVars: []string{"STDB_SCHEME"}},
		&cli.StringFlag{Name: "sealed-key", Usage: "hex-encoded 32-byte sealing key (required with sqlite or postgres)", EnvVars: []string{"STDB_SEALED_KEY"}},
		&cli.StringFlag{Name: "ckks-key", Usage: "CKKS key directory, created if empty (required with ckks and sqlite or postgres)", EnvVars: []string{"STDB_CKKS_KEY"}},
		&cli.Float64Flag{Name: "max-coord", Usage: "coordinate domain ±max-coord (0 = scheme default)", EnvVars: []string{"STDB_MAX_COORD"}},
		&cli.Int64Flag{Name: "min-time", Usage: "earliest accepted timestamp", EnvVars: []string{"STDB_MIN_TIME"}},
		&cli.Int64Flag{Name: "max-time", Usage: "latest accepted timestamp", EnvVars: []string{"STDB_MAX_TIME"}},
		&cli.StringFlag{Name: "storage", Value: "memory", Usage: "memory, sqlite or postgres", EnvVars: []string{"STDB_STORAGE"}},
		&cli.StringFlag{Name: "storage-path", Usage: "sqlite database file", EnvVars: []string{"STDB_STORAGE_PATH"}},
		&cli.StringFlag{Name: "dsn", Usage: "postgres connection string", EnvVars: []string{"STDB_DSN"}},
		&cli.BoolFlag{Name: "migrate", Usage: "apply postgres migrations on start", EnvVars: []string{"STDB_MIGRATE"}},
		&cli.StringFlag{Name: "disclosure", Value: "none", Usage: "grid disclosure: none or coarse", EnvVars: []string{"STDB_DISCLOSURE"}},
		&cli.Float64Flag{Name: "cell-size", Value: 1, Usage: "grid cell size for coarse disclosure", EnvVars: []string{"STDB_CELL_SIZE"}},
		&cli.IntFlag{Name: "workers", Usage: "concurrent evaluations per query (0 = NumCPU)", EnvVars: []string{"STDB_WORKERS"}},
		&cli.Float64Flag{Name: "max-distance", Usage: "nearest-neighbor cutoff (0 = scheme default)", EnvVars: []string{"STDB_MAX_DISTANCE"}},
		&cli.StringFlag{Name: "oracle-key", Usage: "PEM ECDSA P-256 key of the in-process oracle", EnvVars: []string{"STDB_ORACLE_KEY"}},
	}
}

func configFromFlags(c *cli.Context, logger *zap.Logger) (stdb.Config, error) {
	scheme, err := stdb.ParseScheme(c.String("scheme"))
	if err != nil {
		return stdb.Config{}, err
	}
	storage, err := stdb.ParseStorage(c.String("storage"))
	if err != nil {
		return stdb.Config{}, err
	}
	disclosure, err := grid.ParseDisclosure(c.String("disclosure"))
	if err != nil {
		return stdb.Config{}, err
	}

	var sealedKey []byte
	if s := c.String("sealed-key"); s != "" {
		if sealedKey, err = hex.DecodeString(s); err != nil {
			return stdb.Config{}, fmt.Errorf("invalid --sealed-key: %w", err)
		}
	}

	var domain stdb.Domain
	if c.Float64("max-coord") > 0 {
		domain = stdb.Domain{MaxCoord: c.Float64("max-coord"), MinTime: c.Int64("min-time"), MaxTime: c.Int64("max-time")}
		if domain.MaxTime <= domain.MinTime {
			return stdb.Config{}, fmt.Errorf("--max-time %d must exceed --min-time %d", domain.MaxTime, domain.MinTime)
		}
	}

	return stdb.Config{
		Scheme:        scheme,
		SealedKey:     sealedKey,
		CKKSKeyPath:   c.String("ckks-key"),
		Domain:        domain,
		Storage:       storage,
		StoragePath:   c.String("storage-path"),
		DSN:           c.String("dsn"),
		Migrate:       c.Bool("migrate"),
		Grid:          grid.Config{Disclosure: disclosure, CellSize: c.Float64("cell-size")},
		Workers:       c.Int("workers"),
		MaxDistance:   c.Float64("max-distance"),
		OracleKeyPath: c.String("oracle-key"),
		Logger:        logger,
	}, nil
}
