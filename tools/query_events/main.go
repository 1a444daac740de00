package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/patrickwarner/openbid/internal/analytics"
	"github.com/patrickwarner/openbid/internal/config"
	"github.com/patrickwarner/openbid/internal/models"
	"github.com/patrickwarner/openbid/internal/observability"
)

// report is what the tool prints: a brand's recent bids and its trailing
// window totals.
type report struct {
	BrandID int                `json:"brand_id"`
	Window  string             `json:"window"`
	Sums    models.WindowSums  `json:"sums"`
	ROAS    float64            `json:"roas"`
	Bids    []models.BidRecord `json:"bids"`
}

func main() {
	logger, err := observability.InitLoggerWithService("query-events")
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	var brandID, limit int
	var dsn string
	var window time.Duration
	flag.IntVar(&brandID, "brand", 0, "brand ID")
	flag.IntVar(&limit, "limit", 20, "number of recent bids to print")
	flag.DurationVar(&window, "window", 24*time.Hour, "trailing window for revenue and cost totals")
	flag.StringVar(&dsn, "dsn", "", "ClickHouse DSN")
	flag.Parse()

	if brandID <= 0 {
		fmt.Fprintln(os.Stderr, "brand required")
		os.Exit(1)
	}
	cfg := config.Load()
	if dsn == "" {
		dsn = cfg.ClickHouseDSN
	}

	a, err := analytics.InitClickHouse(dsn, 10, 2, 5*time.Minute, 1*time.Minute)
	if err != nil {
		fmt.Fprintf(os.Stderr, "connect clickhouse: %v\n", err)
		os.Exit(1)
	}
	defer a.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	bids, err := a.RecentBids(ctx, brandID, limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "query bids: %v\n", err)
		os.Exit(1)
	}
	sums, err := a.WindowSums(ctx, time.Now().UTC().Add(-window))
	if err != nil {
		fmt.Fprintf(os.Stderr, "query window sums: %v\n", err)
		os.Exit(1)
	}
	if bids == nil {
		bids = []models.BidRecord{}
	}
	s := sums[brandID]
	out := report{BrandID: brandID, Window: window.String(), Sums: s, ROAS: s.ROAS(), Bids: bids}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		fmt.Fprintf(os.Stderr, "encode report: %v\n", err)
		os.Exit(1)
	}
}
