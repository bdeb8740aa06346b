package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"github.com/sourcegraph/conc/pool"

	"github.com/ksred/brokerx/internal/saga"
	"github.com/ksred/brokerx/internal/types"
	"github.com/ksred/brokerx/pkg/response"
)

var symbols = []string{"AAPL", "GOOGL", "MSFT", "AMZN", "META"}

// init configures the logger for the simulation with pretty printing and timestamp
func init() {
	output := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
}

// routeStats tracks latency for one API route.
type routeStats struct {
	name       string
	mu         sync.Mutex
	durations  []time.Duration
	totalCalls int
	failures   int
}

func (rs *routeStats) record(d time.Duration, failed bool) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.durations = append(rs.durations, d)
	rs.totalCalls++
	if failed {
		rs.failures++
	}
}

// calculate returns min, max, mean, median, p95 and p99.
func (rs *routeStats) calculate() (lo, hi, mean, median, p95, p99 time.Duration) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if len(rs.durations) == 0 {
		return
	}

	sorted := append([]time.Duration(nil), rs.durations...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var sum time.Duration
	for _, d := range sorted {
		sum += d
	}
	pct := func(p float64) time.Duration {
		return sorted[int(math.Ceil(float64(len(sorted))*p))-1]
	}
	return sorted[0], sorted[len(sorted)-1], sum / time.Duration(len(sorted)), sorted[len(sorted)/2], pct(0.95), pct(0.99)
}

// simulationClient drives the API as a set of trading accounts.
type simulationClient struct {
	baseURL     string
	internalKey string
	client      *http.Client

	mu     sync.Mutex
	stats  map[string]*routeStats
	tokens map[string]string
}

func newSimulationClient(baseURL, internalKey string) *simulationClient {
	return &simulationClient{
		baseURL:     strings.TrimRight(baseURL, "/"),
		internalKey: internalKey,
		client:      &http.Client{Timeout: 10 * time.Second},
		stats:       make(map[string]*routeStats),
		tokens:      make(map[string]string),
	}
}

func (sc *simulationClient) route(name string) *routeStats {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	rs, ok := sc.stats[name]
	if !ok {
		rs = &routeStats{name: name}
		sc.stats[name] = rs
	}
	return rs
}

// call performs one request, records its latency under name and decodes
// the envelope's data into out.
func (sc *simulationClient) call(ctx context.Context, name, method, path string, headers map[string]string, body, out interface{}) (int, error) {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return 0, err
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, sc.baseURL+path, reader)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := sc.client.Do(req)
	if err != nil {
		sc.route(name).record(time.Since(start), true)
		return 0, err
	}
	defer resp.Body.Close()

	var env struct {
		Success bool            `json:"success"`
		Data    json.RawMessage `json:"data"`
		Error   *response.Error `json:"error"`
	}
	decodeErr := json.NewDecoder(resp.Body).Decode(&env)
	sc.route(name).record(time.Since(start), resp.StatusCode >= 500)

	if decodeErr != nil {
		return resp.StatusCode, fmt.Errorf("%s %s: failed to decode response: %w", method, path, decodeErr)
	}
	if !env.Success {
		msg := http.StatusText(resp.StatusCode)
		if env.Error != nil {
			msg = env.Error.Code + ": " + env.Error.Message
		}
		return resp.StatusCode, fmt.Errorf("%s %s: %s", method, path, msg)
	}
	if out != nil && len(env.Data) > 0 {
		return resp.StatusCode, json.Unmarshal(env.Data, out)
	}
	return resp.StatusCode, nil
}

func (sc *simulationClient) internal() map[string]string {
	return map[string]string{"X-Internal-Key": sc.internalKey}
}

func (sc *simulationClient) bearer(accountID string) map[string]string {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return map[string]string{"Authorization": "Bearer " + sc.tokens[accountID]}
}

// setupAccount mints a token for accountID and funds it.
func (sc *simulationClient) setupAccount(ctx context.Context, accountID string, deposit decimal.Decimal) error {
	var token struct {
		Token string `json:"jwt_token"`
	}
	if _, err := sc.call(ctx, "issue token", http.MethodPost, "/api/v1/internal/tokens", sc.internal(),
		map[string]string{"account_id": accountID}, &token); err != nil {
		return err
	}
	sc.mu.Lock()
	sc.tokens[accountID] = token.Token
	sc.mu.Unlock()

	_, err := sc.call(ctx, "deposit", http.MethodPost, "/api/v1/internal/deposits", sc.internal(),
		map[string]interface{}{"account_id": accountID, "amount": deposit}, nil)
	return err
}

func (sc *simulationClient) placeOrder(ctx context.Context, accountID string, req saga.PlaceOrderRequest) (*saga.Result, error) {
	headers := sc.bearer(accountID)
	headers["Idempotency-Key"] = uuid.NewString()

	var res saga.Result
	_, err := sc.call(ctx, "place order", http.MethodPost, "/api/v1/orders", headers, req, &res)
	return &res, err
}

func (sc *simulationClient) cancelOrder(ctx context.Context, accountID, orderID string) error {
	_, err := sc.call(ctx, "cancel order", http.MethodDelete, "/api/v1/orders/"+orderID+"?reason=simulation", sc.bearer(accountID), nil, nil)
	return err
}

func (sc *simulationClient) listOrders(ctx context.Context, accountID string) ([]types.Order, error) {
	var out []types.Order
	_, err := sc.call(ctx, "list orders", http.MethodGet, "/api/v1/orders?limit=500", sc.bearer(accountID), nil, &out)
	return out, err
}

func (sc *simulationClient) balance(ctx context.Context, accountID string) (available, reserved decimal.Decimal, err error) {
	var b struct {
		Available decimal.Decimal `json:"available"`
		Reserved  decimal.Decimal `json:"reserved"`
	}
	_, err = sc.call(ctx, "balance", http.MethodGet, "/api/v1/accounts/"+accountID+"/balance", sc.bearer(accountID), nil, &b)
	return b.Available, b.Reserved, err
}

func (sc *simulationClient) printPerformanceStats() {
	fmt.Println("\nAPI Performance Statistics")
	fmt.Println(strings.Repeat("-", 100))
	fmt.Printf("%-20s %10s %10s %10s %10s %10s %10s %10s %10s\n",
		"Endpoint", "Calls", "Errors", "Min", "Max", "Mean", "Median", "P95", "P99")
	fmt.Println(strings.Repeat("-", 100))

	sc.mu.Lock()
	names := make([]string, 0, len(sc.stats))
	for name := range sc.stats {
		names = append(names, name)
	}
	sc.mu.Unlock()
	sort.Strings(names)

	for _, name := range names {
		rs := sc.route(name)
		lo, hi, mean, median, p95, p99 := rs.calculate()
		fmt.Printf("%-20s %10d %10d %10s %10s %10s %10s %10s %10s\n",
			rs.name, rs.totalCalls, rs.failures,
			lo.Round(time.Millisecond), hi.Round(time.Millisecond), mean.Round(time.Millisecond),
			median.Round(time.Millisecond), p95.Round(time.Millisecond), p99.Round(time.Millisecond))
	}
	fmt.Println(strings.Repeat("-", 100))
}

// randomOrder builds a limit order around 100 so buyers and sellers cross.
// Even accounts lean towards buying, odd accounts towards selling.
func randomOrder(rng *rand.Rand, account int) saga.PlaceOrderRequest {
	dir := types.Buy
	if (account%2 == 1) != (rng.Intn(5) == 0) {
		dir = types.Sell
	}
	price := decimal.NewFromInt(int64(98 + rng.Intn(5)))
	req := saga.PlaceOrderRequest{
		Symbol:      symbols[rng.Intn(len(symbols))],
		Direction:   dir,
		OrderType:   types.Limit,
		Quantity:    int64(1 + rng.Intn(50)),
		Price:       &price,
		TimeInForce: types.GTC,
	}
	if rng.Intn(10) == 0 {
		req.TimeInForce = types.IOC
	}
	return req
}

func main() {
	baseURL := flag.String("url", "http://localhost:8080", "API base URL")
	internalKey := flag.String("internal-key", os.Getenv("INTERNAL_KEY"), "key for internal routes")
	accounts := flag.Int("accounts", 4, "number of trading accounts")
	orders := flag.Int("orders", 200, "orders to place in total")
	workers := flag.Int("workers", 5, "concurrent clients")
	cancelRate := flag.Float64("cancel-rate", 0.1, "share of working orders to cancel")
	flag.Parse()

	ctx := context.Background()
	sc := newSimulationClient(*baseURL, *internalKey)
	deposit := decimal.NewFromInt(1_000_000)

	accountIDs := make([]string, *accounts)
	for i := range accountIDs {
		accountIDs[i] = fmt.Sprintf("sim-%d-%s", i, uuid.NewString()[:8])
		if err := sc.setupAccount(ctx, accountIDs[i], deposit); err != nil {
			log.Fatal().Err(err).Str("account_id", accountIDs[i]).Msg("Failed to set up account")
		}
	}
	log.Info().Int("accounts", len(accountIDs)).Int("target_orders", *orders).Msg("Starting simulation")

	var (
		mu       sync.Mutex
		outcomes = make(map[string]int)
	)
	count := func(k string) {
		mu.Lock()
		outcomes[k]++
		mu.Unlock()
	}

	start := time.Now()
	p := pool.New().WithMaxGoroutines(*workers)
	for n := 0; n < *orders; n++ {
		p.Go(func() {
			rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(n)))
			acc := n % len(accountIDs)
			res, err := sc.placeOrder(ctx, accountIDs[acc], randomOrder(rng, acc))
			if err != nil {
				log.Warn().Err(err).Msg("order placement failed")
				count("failed")
				return
			}
			count(res.Status)

			if res.Order != nil && rng.Float64() < *cancelRate {
				if err := sc.cancelOrder(ctx, accountIDs[acc], res.Order.ID); err != nil {
					count("cancel_rejected")
				} else {
					count("cancelled")
				}
			}
		})
	}
	p.Wait()
	elapsed := time.Since(start)

	// Let the outbox and the matching queue drain before reading state back.
	time.Sleep(2 * time.Second)

	statuses := make(map[types.OrderStatus]int)
	for _, acc := range accountIDs {
		list, err := sc.listOrders(ctx, acc)
		if err != nil {
			log.Error().Err(err).Str("account_id", acc).Msg("Failed to list orders")
			continue
		}
		for _, o := range list {
			statuses[o.Status]++
		}
		avail, reserved, err := sc.balance(ctx, acc)
		if err != nil {
			log.Error().Err(err).Str("account_id", acc).Msg("Failed to read balance")
			continue
		}
		log.Info().Str("account_id", acc).Str("available", avail.String()).Str("reserved", reserved.String()).Msg("final balance")
	}

	fmt.Println("\nSimulation Summary")
	fmt.Println(strings.Repeat("-", 50))
	fmt.Printf("Duration:            %v\n", elapsed.Round(time.Millisecond))
	fmt.Printf("Throughput:          %.1f orders/s\n", float64(*orders)/elapsed.Seconds())
	for k, v := range outcomes {
		fmt.Printf("Placement %-10s %d\n", k+":", v)
	}
	for k, v := range statuses {
		fmt.Printf("Order %-14s %d\n", string(k)+":", v)
	}

	sc.printPerformanceStats()
}
