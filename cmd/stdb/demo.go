package main

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/kr/pretty"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	stdb "github.com/KristineHarveyqabrq6163/SpatioTemporalDB-FHE"
)

type demoPoint struct {
	Name      string
	Lat, Lon  float64
	Timestamp int64
}

var demoPoints = []demoPoint{
	{"A", 0, 0, 1000},
	{"B", 10, 10, 2000},
	{"C", 100, 100, 3000},
}

func demoCommand() *cli.Command {
	return &cli.Command{
		Name:  "demo",
		Usage: "submit sample points, run range and nearest-neighbor queries and reveal them",
		Flags: append(engineFlags(),
			&cli.Float64Flag{Name: "radius", Value: 15, Usage: "range query radius"},
			&cli.Int64Flag{Name: "start", Value: 1000, Usage: "range query window start"},
			&cli.Int64Flag{Name: "end", Value: 2000, Usage: "range query window end"},
		),
		Action: demo,
	}
}

func demo(c *cli.Context) error {
	logger, err := newLogger(c)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	cfg, err := configFromFlags(c, logger)
	if err != nil {
		return err
	}
	db, err := stdb.Open(c.Context, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	for _, p := range demoPoints {
		id, err := db.SubmitPlain(c.Context, p.Lat, p.Lon, p.Timestamp)
		if err != nil {
			return fmt.Errorf("submit %s: %w", p.Name, err)
		}
		logger.Info("submitted point", zap.String("name", p.Name), zap.Int64("id", id))
	}

	hash, err := db.RangeQuery(c.Context, 0, 0, c.Float64("radius"), c.Int64("start"), c.Int64("end"))
	if err != nil {
		return fmt.Errorf("range query: %w", err)
	}
	res, err := db.Reveal(c.Context, hash)
	if err != nil {
		return fmt.Errorf("reveal range: %w", err)
	}
	fmt.Printf("range query %s\n", hash)
	pretty.Println(res.Matches())

	hash, _, err = db.NearestNeighbor(c.Context, 0, 0)
	if err != nil {
		return fmt.Errorf("nearest neighbor: %w", err)
	}
	res, err = db.Reveal(c.Context, hash)
	if err != nil {
		return fmt.Errorf("reveal nearest: %w", err)
	}
	fmt.Printf("nearest neighbor %s\n", hash)
	pretty.Println(res.Matches())

	if err := demoStoreThenReveal(c, db); err != nil {
		return err
	}

	st, err := db.Stats(c.Context)
	if err != nil {
		return err
	}
	pretty.Println(st)
	return nil
}

// demoStoreThenReveal shows that a reveal is refused until a result is stored.
func demoStoreThenReveal(c *cli.Context, db *stdb.DB) error {
	var hash stdb.QueryHash
	id := uuid.New()
	copy(hash[:], id[:])
	if _, err := db.RequestReveal(c.Context, hash); !errors.Is(err, stdb.ErrQueryIncomplete) {
		return fmt.Errorf("expected %v before store, got %v", stdb.ErrQueryIncomplete, err)
	}
	fmt.Printf("reveal of %s before store: %v\n", hash, stdb.ErrQueryIncomplete)

	dist, err := db.Backend().Encrypt(1.5)
	if err != nil {
		return err
	}
	if err := db.StoreResult(c.Context, hash, []int64{1}, []stdb.Ciphertext{dist}); err != nil {
		return fmt.Errorf("store result: %w", err)
	}
	res, err := db.Reveal(c.Context, hash)
	if err != nil {
		return fmt.Errorf("reveal stored result: %w", err)
	}
	fmt.Printf("stored result %s\n", hash)
	pretty.Println(res.Matches())
	return nil
}
