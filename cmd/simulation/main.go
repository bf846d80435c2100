package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/ksred/ordersync/internal/auth"
	"github.com/ksred/ordersync/internal/database"
	"github.com/ksred/ordersync/internal/executor"
	"github.com/ksred/ordersync/internal/gateway"
	"github.com/ksred/ordersync/internal/policy"
	"github.com/ksred/ordersync/internal/publisher"
	"github.com/ksred/ordersync/internal/queue"
	"github.com/ksred/ordersync/internal/types"
	"github.com/ksred/ordersync/pkg/middleware"
)

const (
	minOrders    = 15
	maxOrders    = 60
	numExecutors = 4
	maxCycles    = 20
	accountID    = "SIM-001"
	operatorKey  = "sim-operator"
	operatorPass = "sim-secret"
)

var instruments = []string{
	"600519.XSHG", "000001.XSHE", "300750.XSHE", "601318.XSHG",
	"600036.XSHG", "000858.XSHE", "002594.XSHE", "688981.XSHG",
}

// init configures the logger for the simulation with pretty printing and timestamp
func init() {
	output := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if os.Getenv("DEBUG") == "true" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
}

// routeStats tracks latency of one ops API route
type routeStats struct {
	name       string
	durations  []time.Duration
	totalCalls int
	failures   int
}

func (rs *routeStats) addDuration(d time.Duration) {
	rs.durations = append(rs.durations, d)
	rs.totalCalls++
}

// calculate returns min, max, mean, median, p95 and p99
func (rs *routeStats) calculate() (min, max, mean, median, p95, p99 time.Duration) {
	if len(rs.durations) == 0 {
		return 0, 0, 0, 0, 0, 0
	}

	sort.Slice(rs.durations, func(i, j int) bool {
		return rs.durations[i] < rs.durations[j]
	})

	min = rs.durations[0]
	max = rs.durations[len(rs.durations)-1]

	var sum time.Duration
	for _, d := range rs.durations {
		sum += d
	}
	mean = sum / time.Duration(len(rs.durations))
	median = rs.durations[len(rs.durations)/2]

	p95 = rs.durations[int(math.Ceil(float64(len(rs.durations))*0.95))-1]
	p99 = rs.durations[int(math.Ceil(float64(len(rs.durations))*0.99))-1]
	return
}

// simulationClient drives the ops API the way an operator would
type simulationClient struct {
	baseURL   string
	authToken string
	client    *http.Client
	stats     map[string]*routeStats
}

func newSimulationClient(baseURL string) (*simulationClient, error) {
	sc := &simulationClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 10 * time.Second},
		stats: map[string]*routeStats{
			"auth":    {name: "Authentication"},
			"publish": {name: "Publish Batch"},
			"list":    {name: "List Orders"},
		},
	}

	token, err := sc.authenticate()
	if err != nil {
		return nil, fmt.Errorf("failed to authenticate: %w", err)
	}
	sc.authToken = token
	return sc, nil
}

func (sc *simulationClient) authenticate() (string, error) {
	var result struct {
		Token string `json:"jwt_token"`
	}
	err := sc.call("auth", http.MethodPost, "/api/v1/auth/token", auth.Credentials{
		APIKey:    operatorKey,
		APISecret: operatorPass,
	}, &result)
	return result.Token, err
}

func (sc *simulationClient) publish(drafts []types.OrderDraft) (*types.PublishResult, error) {
	var result types.PublishResult
	err := sc.call("publish", http.MethodPost, "/api/v1/internal/publish", publisher.PublishRequest{Orders: drafts}, &result)
	return &result, err
}

func (sc *simulationClient) listOrders() ([]types.OrderRecord, error) {
	var orders []types.OrderRecord
	err := sc.call("list", http.MethodGet, "/api/v1/orders", nil, &orders)
	return orders, err
}

// call sends one request and decodes the data field of the envelope
func (sc *simulationClient) call(route, method, path string, in, out interface{}) error {
	start := time.Now()
	stats := sc.stats[route]
	defer func() { stats.addDuration(time.Since(start)) }()

	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequest(method, sc.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if sc.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+sc.authToken)
	}

	resp, err := sc.client.Do(req)
	if err != nil {
		stats.failures++
		return err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		stats.failures++
		return fmt.Errorf("failed to read response body: %w", err)
	}
	log.Debug().Str("route", route).Str("response", string(respBody)).Msg("API response")

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		stats.failures++
		return fmt.Errorf("%s failed with status %d: %s", route, resp.StatusCode, string(respBody))
	}

	envelope := struct {
		Success bool        `json:"success"`
		Data    interface{} `json:"data"`
	}{Data: out}
	if err := json.Unmarshal(respBody, &envelope); err != nil {
		return fmt.Errorf("failed to decode response: %w, body: %s", err, string(respBody))
	}
	return nil
}

func (sc *simulationClient) printPerformanceStats() {
	fmt.Println("\nAPI Performance Statistics")
	fmt.Println(strings.Repeat("-", 100))
	fmt.Printf("%-20s %10s %10s %10s %10s %10s %10s %10s %10s\n",
		"Endpoint", "Calls", "Errors", "Min", "Max", "Mean", "Median", "P95", "P99")
	fmt.Println(strings.Repeat("-", 100))

	for _, key := range []string{"auth", "publish", "list"} {
		stats := sc.stats[key]
		min, max, mean, median, p95, p99 := stats.calculate()
		fmt.Printf("%-20s %10d %10d %10s %10s %10s %10s %10s %10s\n",
			stats.name,
			stats.totalCalls,
			stats.failures,
			min.Round(time.Microsecond),
			max.Round(time.Microsecond),
			mean.Round(time.Microsecond),
			median.Round(time.Microsecond),
			p95.Round(time.Microsecond),
			p99.Round(time.Microsecond))
	}
	fmt.Println(strings.Repeat("-", 100))
}

// main publishes a random batch through the ops API and lets several
// executors race for it against a paper gateway until nothing is left
func main() {
	dir, err := os.MkdirTemp("", "ordersync-sim")
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create temp dir")
	}
	defer os.RemoveAll(dir)

	db, err := database.NewDatabase(database.Options{
		Driver: "sqlite",
		DSN:    filepath.Join(dir, "simulation.db"),
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize database")
	}
	defer database.Close(db)

	store := queue.NewDatabase(db, time.Local)

	paperCfg := gateway.DefaultPaperConfig()
	paperCfg.SuccessRate = 0.85
	paperCfg.Holdings = map[string]int64{}
	paperCfg.Prices = map[string]decimal.Decimal{}
	for _, code := range instruments {
		paperCfg.Holdings[code] = int64(rand.Intn(20)) * 100
		paperCfg.Prices[code] = decimal.NewFromFloat(5 + rand.Float64()*200).Round(2)
	}
	paper := gateway.NewPaperGateway(paperCfg)
	gw := gateway.NewThrottled(paper, 0)

	server := httptest.NewServer(newRouter(store, gw))
	defer server.Close()

	simClient, err := newSimulationClient(server.URL)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize simulation client")
	}

	targetOrders := rand.Intn(maxOrders-minOrders) + minOrders
	drafts := randomDrafts(targetOrders, paperCfg.Prices)
	result, err := simClient.publish(drafts)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to publish batch")
	}
	log.Info().Int("inserted", result.Inserted).Str("batch_date", result.BatchDate).Msg("Batch published")

	engine := policy.New(policy.Config{
		Ratio:      decimal.RequireFromString("0.8"),
		LotSize:    100,
		MinLots:    1,
		MaxPending: maxOrders + 1,
	})

	var (
		mu          sync.Mutex
		submittedBy = map[string]int{}
		lostBy      = map[string]int{}
		reverts     int
		cycles      int
	)

	start := time.Now()
	var wg sync.WaitGroup
	for i := 0; i < numExecutors; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			claimant := fmt.Sprintf("sim-executor-%d", workerID)
			svc := executor.NewService(store, gw, engine, executor.Config{
				AccountID:  accountID,
				ClaimantID: claimant,
				PhasePause: 50 * time.Millisecond,
			})

			for c := 0; c < maxCycles; c++ {
				report, err := svc.RunCycle(context.Background(), time.Now())
				if err != nil {
					log.Warn().Err(err).Str("claimant", claimant).Msg("Cycle failed")
				}

				mu.Lock()
				cycles++
				submittedBy[claimant] += len(report.Submitted)
				lostBy[claimant] += len(report.Lost)
				reverts += len(report.Reverted)
				mu.Unlock()

				if report.Pending == 0 {
					return
				}
				time.Sleep(time.Duration(rand.Intn(100)) * time.Millisecond)
			}
		}(i)
	}
	wg.Wait()
	duration := time.Since(start)

	orders, err := simClient.listOrders()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to list orders")
	}

	statuses := map[types.Status]int{}
	sides := map[string]int{}
	for _, o := range orders {
		statuses[o.Status]++
		sides[o.Side.String()]++
	}

	fills := paper.Fills()
	var notional decimal.Decimal
	filledTags := map[string]int{}
	for _, f := range fills {
		notional = notional.Add(f.Price.Mul(decimal.NewFromInt(f.Quantity)))
		filledTags[f.Tag]++
	}
	duplicates := 0
	for _, n := range filledTags {
		if n > 1 {
			duplicates++
		}
	}

	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("ORDER QUEUE SIMULATION SUMMARY")
	fmt.Println(strings.Repeat("=", 80))

	fmt.Printf(`
Order Statistics
------------------
Published:        %d
Executed:         %d
Reverted:         %d
Pending:          %d
Claimed:          %d
Revert events:    %d
Cycles:           %d
Fills:            %d
Duplicate fills:  %d
Notional:         %s
Duration:         %v

Submissions per executor
------------------------
`, len(orders), statuses[types.StatusExecuted], statuses[types.StatusReverted],
		statuses[types.StatusPending], statuses[types.StatusClaimed],
		reverts, cycles, len(fills), duplicates, notional.StringFixed(2),
		duration.Round(time.Millisecond))

	claimants := make([]string, 0, len(submittedBy))
	for c := range submittedBy {
		claimants = append(claimants, c)
	}
	sort.Strings(claimants)
	for _, c := range claimants {
		bar := strings.Repeat("#", submittedBy[c])
		fmt.Printf("%-16s: %s (%d, lost %d)\n", c, bar, submittedBy[c], lostBy[c])
	}

	fmt.Println("\nSide Distribution")
	fmt.Println("------------------")
	for side, count := range sides {
		barLength := int(float64(count) / float64(len(orders)) * 20)
		fmt.Printf("%-4s: %s (%d)\n", side, strings.Repeat("#", barLength), count)
	}

	fmt.Println("\n" + strings.Repeat("=", 80))

	log.Info().
		Int("published", len(orders)).
		Int("executed", statuses[types.StatusExecuted]).
		Int("duplicate_fills", duplicates).
		Dur("duration", duration).
		Msg("Simulation completed")

	simClient.printPerformanceStats()
}

// randomDrafts builds a mixed batch. Sells may exceed or miss holdings,
// and some buys are left unsized.
func randomDrafts(n int, prices map[string]decimal.Decimal) []types.OrderDraft {
	drafts := make([]types.OrderDraft, 0, n)
	for i := 0; i < n; i++ {
		code := instruments[rand.Intn(len(instruments))]
		side := types.SideBuy
		if rand.Intn(2) == 0 {
			side = types.SideSell
		}
		qty := int64(rand.Intn(30)+1) * 50
		if side == types.SideBuy && rand.Intn(5) == 0 {
			qty = 0
		}
		drafts = append(drafts, types.OrderDraft{
			InstrumentCode: code,
			Quantity:       qty,
			ReferencePrice: prices[code],
			Side:           side,
		})
	}
	return drafts
}

// newRouter wires the subset of the executor's ops API the simulation uses
func newRouter(store *queue.Database, gw gateway.Gateway) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	authService := auth.NewService("simulation-secret", operatorKey, operatorPass)
	authHandlers := auth.NewGinHandlers(authService)
	queueHandlers := queue.NewGinHandlers(store)
	publishHandlers := publisher.NewGinHandlers(publisher.New(store, 30*24*time.Hour), gw, accountID)

	v1 := router.Group("/api/v1")
	{
		tokens := v1.Group("/auth")
		{
			tokens.POST("/token", authHandlers.GenerateTokenHandler())
		}

		orders := v1.Group("/orders")
		{
			orders.GET("", queueHandlers.ListOrdersHandler())
		}

		internal := v1.Group("/internal")
		internal.Use(middleware.JWTAuth(authService, auth.ScopePublish))
		{
			internal.POST("/publish", publishHandlers.PublishHandler())
		}
	}
	return router
}
