package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/patrickwarner/openbid/internal/config"
	"github.com/patrickwarner/openbid/internal/db"
	"github.com/patrickwarner/openbid/internal/models"
	"github.com/patrickwarner/openbid/internal/observability"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	server          string
	brandCSV        string
	slotCSV         string
	partners        int
	unitCSV         string
	totalReq        int
	conc            int
	duration        time.Duration
	rate            float64
	clickRate       float64
	convRate        float64
	avgOrderValue   float64
	stats           bool
	flush           bool
	redisAddr       string
	debug           bool
	label           string
	surgeInterval   time.Duration
	surgeDuration   time.Duration
	surgeMultiplier float64
	jitter          float64
)

var logger *zap.Logger

// HTTP client with proper resource limits
var httpClient *http.Client

var userAgents = []string{
	// Mobile
	"Mozilla/5.0 (iPhone; CPU iPhone OS 16_0 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/16.0 Mobile/15E148 Safari/604.1",
	"Mozilla/5.0 (Linux; Android 12; Pixel 6 Pro) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/114.0.5735.196 Mobile Safari/537.36",
	"Mozilla/5.0 (iPad; CPU OS 15_2 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/15.2 Mobile/15E148 Safari/604.1",

	// Desktop
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 13_3_1) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/16.1 Safari/605.1.15",
	"Mozilla/5.0 (X11; Ubuntu; Linux x86_64; rv:111.0) Gecko/20100101 Firefox/111.0",
}

var categories = []string{"sports", "news", "finance", "travel", "gaming"}

const statsInterval = 5 * time.Second

var (
	countSent        uint64
	countAccepted    uint64
	countThrottled   uint64
	countExhausted   uint64
	countDegraded    uint64
	countErrors      uint64
	countImpressions uint64
	countClicks      uint64
	countConversions uint64
)

// lockedRand guards a shared source; math/rand.Rand is not safe for
// concurrent use.
type lockedRand struct {
	mu sync.Mutex
	r  *rand.Rand
}

func (l *lockedRand) Intn(n int) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.r.Intn(n)
}

func (l *lockedRand) Float64() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.r.Float64()
}

func main() {
	flag.StringVar(&server, "server", "http://localhost:8787", "bid service base URL")
	flag.StringVar(&brandCSV, "brands", "1,2,3", "comma-separated brand IDs")
	flag.StringVar(&slotCSV, "slots", "1,2,3,4", "comma-separated ad slot IDs")
	flag.IntVar(&partners, "partners", 5, "number of partner IDs to spread traffic over")
	flag.StringVar(&unitCSV, "units", "CPM,CPC,CPA", "comma-separated bid units")
	flag.IntVar(&totalReq, "requests", 1000, "total bid requests to send")
	flag.IntVar(&conc, "concurrency", 20, "concurrent requests")
	flag.DurationVar(&duration, "duration", 0, "how long to run traffic (0 to disable)")
	flag.Float64Var(&rate, "rate", 0, "requests per second (0 for unlimited)")
	flag.Float64Var(&clickRate, "click-rate", 0.05, "probability of a click per impression")
	flag.Float64Var(&convRate, "conversion-rate", 0.1, "probability of a conversion per click")
	flag.Float64Var(&avgOrderValue, "order-value", 40, "mean revenue reported on conversions")
	flag.BoolVar(&stats, "stats", false, "print aggregated stats periodically")
	flag.BoolVar(&flush, "flush", false, "flush performance counters and event ids from redis before sending traffic")
	flag.StringVar(&redisAddr, "redis", "", "redis address (defaults to REDIS_ADDR)")
	flag.BoolVar(&debug, "debug", false, "enable verbose debug logs")
	flag.StringVar(&label, "label", "", "label to identify this run")
	flag.DurationVar(&surgeInterval, "surge-interval", 0, "interval between traffic surges (0 to disable)")
	flag.DurationVar(&surgeDuration, "surge-duration", 0, "duration of each surge window")
	flag.Float64Var(&surgeMultiplier, "surge-multiplier", 2.0, "requests multiplier during surge period")
	flag.Float64Var(&jitter, "jitter", 0.0, "random jitter factor for request spacing")
	flag.Parse()

	level := zapcore.InfoLevel
	if debug {
		level = zapcore.DebugLevel
	}
	var err error
	logger, err = observability.InitLoggerWithLevel(level, "traffic-simulator")
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	brands, err := parseIDs(brandCSV)
	if err != nil {
		logger.Fatal("invalid -brands", zap.Error(err))
	}
	slots, err := parseIDs(slotCSV)
	if err != nil {
		logger.Fatal("invalid -slots", zap.Error(err))
	}
	units := splitCSV(unitCSV)
	if len(units) == 0 {
		logger.Fatal("no bid units given")
	}
	if partners <= 0 {
		partners = 1
	}

	httpClient = &http.Client{
		Timeout: 30 * time.Second,
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   10 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			TLSHandshakeTimeout:   10 * time.Second,
			ResponseHeaderTimeout: 10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   10,
			MaxConnsPerHost:       50,
			IdleConnTimeout:       90 * time.Second,
		},
	}

	if label == "" {
		label = time.Now().Format(time.RFC3339)
	}

	if flush {
		cfg := config.Load()
		addr := redisAddr
		if addr == "" {
			addr = cfg.RedisAddr
		}
		n, err := flushRedis(addr)
		if err != nil {
			logger.Fatal("redis flush", zap.Error(err))
		}
		logger.Info("redis performance data flushed",
			zap.String("addr", addr),
			zap.Int("keys_deleted", n),
			zap.String("note", "strategy snapshots preserved"))
	}

	r := &lockedRand{r: rand.New(rand.NewSource(time.Now().UnixNano()))}
	var wg sync.WaitGroup
	sem := make(chan struct{}, conc)
	done := make(chan struct{})

	var baseInterval time.Duration
	if rate > 0 {
		baseInterval = time.Duration(float64(time.Second) / rate)
	} else if duration > 0 && totalReq > 0 {
		baseInterval = duration / time.Duration(totalReq)
	}

	start := time.Now()
	next := start

	if stats {
		go func() {
			ticker := time.NewTicker(statsInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					printStats()
				case <-done:
					printStats()
					return
				}
			}
		}()
	}
	for i := 0; ; i++ {
		if totalReq > 0 && i >= totalReq {
			break
		}
		if duration > 0 && time.Since(start) >= duration {
			break
		}
		if baseInterval > 0 {
			effective := baseInterval
			if surgeInterval > 0 && surgeDuration > 0 && surgeMultiplier > 0 {
				elapsed := time.Since(start)
				if elapsed%surgeInterval < surgeDuration {
					effective = time.Duration(float64(effective) / surgeMultiplier)
				}
			}
			if jitter > 0 {
				jf := 1 + (r.Float64()*2-1)*jitter
				if jf < 0.1 {
					jf = 0.1
				}
				effective = time.Duration(float64(effective) * jf)
			}
			now := time.Now()
			if now.Before(next) {
				time.Sleep(next.Sub(now))
			}
			next = next.Add(effective)
		}
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			atomic.AddUint64(&countSent, 1)

			req := randomBid(r, brands, slots, units)
			ua := userAgents[r.Intn(len(userAgents))]
			reqID := "sim_" + strconv.Itoa(i)

			var res models.BidResponse
			if err := postJSON("/bid", req, ua, reqID, &res); err != nil {
				atomic.AddUint64(&countErrors, 1)
				logger.Error("bid request error", zap.Error(err))
				return
			}
			if res.Degraded {
				atomic.AddUint64(&countDegraded, 1)
			}
			switch {
			case res.BudgetExceeded:
				atomic.AddUint64(&countExhausted, 1)
				logger.Debug("budget exhausted", zap.Int("brand_id", req.BrandID))
				return
			case res.FinalBidValue <= 0:
				atomic.AddUint64(&countThrottled, 1)
				return
			}
			atomic.AddUint64(&countAccepted, 1)

			ev := models.PerformanceEvent{
				EventID:   uuid.NewString(),
				Type:      models.EventImpression,
				BrandID:   req.BrandID,
				PartnerID: req.PartnerID,
				AdSlotID:  req.AdSlot.ID,
				Timestamp: time.Now().UTC(),
				Cost:      impressionCost(res),
				Metadata: models.EventMetadata{
					CreativeType:   req.CreativeType,
					PlacementScore: req.PlacementScore,
				},
			}
			if !sendEvent(ev, ua, &countImpressions) {
				return
			}
			if r.Float64() >= clickRate {
				return
			}
			ev.EventID = uuid.NewString()
			ev.Type = models.EventClick
			ev.Cost = 0
			if !sendEvent(ev, ua, &countClicks) {
				return
			}
			if r.Float64() >= convRate {
				return
			}
			ev.EventID = uuid.NewString()
			ev.Type = models.EventConversion
			ev.Revenue = avgOrderValue * (0.5 + r.Float64())
			sendEvent(ev, ua, &countConversions)
			logger.Debug("converted", zap.String("req_id", reqID), zap.Int("brand_id", req.BrandID), zap.Float64("revenue", ev.Revenue))
		}()
	}
	wg.Wait()
	close(done)
	if !stats {
		printStats()
	}
}

func randomBid(r *lockedRand, brands, slots []int, units []string) models.BidRequest {
	unit := units[r.Intn(len(units))]
	amount := 1 + r.Float64()*9
	switch strings.ToUpper(unit) {
	case models.BidUnitCPC:
		amount = 0.2 + r.Float64()*1.8
	case models.BidUnitCPA:
		amount = 5 + r.Float64()*45
	}
	return models.BidRequest{
		BrandID:   brands[r.Intn(len(brands))],
		PartnerID: 1 + r.Intn(partners),
		BidAmount: amount,
		BidUnit:   unit,
		AdSlot: models.AdSlot{
			ID:       slots[r.Intn(len(slots))],
			Width:    300,
			Height:   250,
			Position: r.Intn(4),
			Page: &models.PageContext{
				Category:      categories[r.Intn(len(categories))],
				AvgTimeOnPage: 10 + r.Float64()*170,
			},
		},
		CreativeType:   1 + r.Intn(3),
		PlacementScore: 20 + r.Intn(80),
	}
}

// impressionCost charges the final bid as a per-mille price.
func impressionCost(res models.BidResponse) float64 {
	return res.FinalBidValue / 1000
}

func sendEvent(ev models.PerformanceEvent, ua string, counter *uint64) bool {
	var out models.IngestResult
	if err := postJSON("/events", ev, ua, ev.EventID, &out); err != nil {
		atomic.AddUint64(&countErrors, 1)
		logger.Error("event error", zap.String("type", ev.Type), zap.Error(err))
		return false
	}
	atomic.AddUint64(counter, 1)
	return true
}

func postJSON(path string, body any, ua, reqID string, dst any) error {
	blob, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(server, "/")+path, bytes.NewReader(blob))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", ua)
	req.Header.Set("X-Request-ID", reqID)

	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s returned %d: %s", path, resp.StatusCode, strings.TrimSpace(string(data)))
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

// flushRedis deletes performance counters, processed event ids and cached
// features so a run starts from the priors.
func flushRedis(addr string) (int, error) {
	store, err := db.InitRedis(addr)
	if err != nil {
		return 0, err
	}
	defer store.Close()

	patterns := []string{
		"counts:*",  // performance counters
		"event:*",   // processed event ids
		"perf:*",    // cached smoothed rates
		"quality:*", // cached quality multipliers
	}
	flushed := 0
	for _, pattern := range patterns {
		keys, err := store.Client.Keys(store.Ctx, pattern).Result()
		if err != nil {
			logger.Error("failed to get keys for pattern", zap.String("pattern", pattern), zap.Error(err))
			continue
		}
		if len(keys) > 0 {
			if err := store.Client.Del(store.Ctx, keys...).Err(); err != nil {
				logger.Error("failed to delete keys", zap.String("pattern", pattern), zap.Error(err))
				continue
			}
			flushed += len(keys)
		}
	}
	return flushed, nil
}

func splitCSV(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseIDs(s string) ([]int, error) {
	var out []int
	for _, p := range splitCSV(s) {
		id, err := strconv.Atoi(p)
		if err != nil || id <= 0 {
			return nil, fmt.Errorf("bad id %q", p)
		}
		out = append(out, id)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no ids in %q", s)
	}
	return out, nil
}

func printStats() {
	sent := atomic.LoadUint64(&countSent)
	acc := atomic.LoadUint64(&countAccepted)
	imp := atomic.LoadUint64(&countImpressions)
	clk := atomic.LoadUint64(&countClicks)
	conv := atomic.LoadUint64(&countConversions)
	var ctr, winRate float64
	if imp > 0 {
		ctr = float64(clk) / float64(imp)
	}
	if sent > 0 {
		winRate = float64(acc) / float64(sent)
	}
	logger.Info("stats", zap.String("run", label),
		zap.Uint64("sent", sent),
		zap.Uint64("accepted", acc),
		zap.Uint64("throttled", atomic.LoadUint64(&countThrottled)),
		zap.Uint64("budget_exhausted", atomic.LoadUint64(&countExhausted)),
		zap.Uint64("degraded", atomic.LoadUint64(&countDegraded)),
		zap.Uint64("errors", atomic.LoadUint64(&countErrors)),
		zap.Uint64("impressions", imp),
		zap.Uint64("clicks", clk),
		zap.Uint64("conversions", conv),
		zap.Float64("accept_rate", winRate),
		zap.Float64("ctr", ctr))
}
