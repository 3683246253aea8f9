package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"math"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/storefront/internal/version"
)

const (
	headerCartID         = "X-Cart-ID"
	headerIdempotencyKey = "Idempotency-Key"
	codeTransportError   = "transport_error"
)

type loadMode string

const (
	modeCheckout       loadMode = "checkout"
	modeCheckoutReplay loadMode = "checkout-replay"
)

type config struct {
	baseURL     string
	total       int
	totalSet    bool
	duration    time.Duration
	concurrency int
	timeout     time.Duration
	mode        loadMode
	productRef  string
	quantity    int
	price       string
	customerTag string
	outputPath  string
}

type latencySummary struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
	Avg float64 `json:"avg"`
	P50 float64 `json:"p50"`
	P95 float64 `json:"p95"`
	P99 float64 `json:"p99"`
}

type methodReport struct {
	Calls     int64            `json:"calls"`
	Success   int64            `json:"success"`
	Failed    int64            `json:"failed"`
	ErrorRate float64          `json:"error_rate"`
	Codes     map[string]int64 `json:"codes"`
	LatencyMs latencySummary   `json:"latency_ms"`
}

type report struct {
	StartedAt         time.Time               `json:"started_at"`
	DurationSeconds   float64                 `json:"duration_seconds"`
	TotalScenarios    int64                   `json:"total_scenarios"`
	SuccessScenarios  int64                   `json:"success_scenarios"`
	FailedScenarios   int64                   `json:"failed_scenarios"`
	ErrorRate         float64                 `json:"error_rate"`
	RPS               float64                 `json:"rps"`
	UniqueOrders      int64                   `json:"unique_orders"`
	DuplicateOrders   int64                   `json:"duplicate_orders"`
	ScenarioLatencyMs latencySummary          `json:"scenario_latency_ms"`
	Methods           map[string]methodReport `json:"methods"`
}

type methodStats struct {
	calls     int64
	success   int64
	failed    int64
	codes     map[string]int64
	latencies []float64
}

type collector struct {
	mu         sync.Mutex
	methods    map[string]*methodStats
	orders     map[string]struct{}
	duplicates int64
}

func newCollector() *collector {
	return &collector{
		methods: make(map[string]*methodStats),
		orders:  make(map[string]struct{}),
	}
}

func (c *collector) record(method string, latency time.Duration, code string, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats, exists := c.methods[method]
	if !exists {
		stats = &methodStats{codes: make(map[string]int64)}
		c.methods[method] = stats
	}

	stats.calls++
	if ok {
		stats.success++
	} else {
		stats.failed++
	}
	stats.codes[code]++
	stats.latencies = append(stats.latencies, float64(latency.Microseconds())/1000.0)
}

// recordOrder учитывает номер заказа и возвращает false, если номер уже встречался.
func (c *collector) recordOrder(orderNumber string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, seen := c.orders[orderNumber]; seen {
		c.duplicates++
		return false
	}
	c.orders[orderNumber] = struct{}{}
	return true
}

func (c *collector) buildReport(startedAt time.Time, duration time.Duration) report {
	c.mu.Lock()
	defer c.mu.Unlock()

	result := report{
		StartedAt:       startedAt.UTC(),
		DurationSeconds: duration.Seconds(),
		UniqueOrders:    int64(len(c.orders)),
		DuplicateOrders: c.duplicates,
		Methods:         make(map[string]methodReport, len(c.methods)),
	}

	if scenarioStats := c.methods["scenario"]; scenarioStats != nil {
		result.TotalScenarios = scenarioStats.calls
		result.SuccessScenarios = scenarioStats.success
		result.FailedScenarios = scenarioStats.failed
		result.ErrorRate = ratio(scenarioStats.failed, scenarioStats.calls)
		result.ScenarioLatencyMs = buildLatencySummary(scenarioStats.latencies)
	}
	if duration > 0 {
		result.RPS = float64(result.TotalScenarios) / duration.Seconds()
	}

	for name, stats := range c.methods {
		codesCopy := make(map[string]int64, len(stats.codes))
		for code, count := range stats.codes {
			codesCopy[code] = count
		}
		result.Methods[name] = methodReport{
			Calls:     stats.calls,
			Success:   stats.success,
			Failed:    stats.failed,
			ErrorRate: ratio(stats.failed, stats.calls),
			Codes:     codesCopy,
			LatencyMs: buildLatencySummary(stats.latencies),
		}
	}

	return result
}

func parseConfig(args []string) (config, error) {
	var cfg config
	var modeValue string

	fs := flag.NewFlagSet("loadtest", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&cfg.baseURL, "url", "http://localhost:8080", "storefront HTTP base URL")
	fs.IntVar(&cfg.total, "total", 400, "total scenarios to execute in count mode; in duration mode only used when explicitly set")
	fs.DurationVar(&cfg.duration, "duration", 0, "optional time-based run duration (e.g. 10m, 15m)")
	fs.IntVar(&cfg.concurrency, "concurrency", 40, "number of concurrent carts")
	fs.DurationVar(&cfg.timeout, "timeout", 5*time.Second, "per-request timeout")
	fs.StringVar(&modeValue, "mode", string(modeCheckout), "load mode: checkout | checkout-replay")
	fs.StringVar(&cfg.productRef, "product", "", "existing product id; a product is created when empty")
	fs.IntVar(&cfg.quantity, "quantity", 1, "quantity added to every cart")
	fs.StringVar(&cfg.price, "price", "10.00", "price of the created product")
	fs.StringVar(&cfg.customerTag, "customer-tag", "load", "customer email prefix")
	fs.StringVar(&cfg.outputPath, "output", "", "optional JSON report output file path")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}

	fs.Visit(func(f *flag.Flag) {
		if f.Name == "total" {
			cfg.totalSet = true
		}
	})

	mode, err := parseMode(modeValue)
	if err != nil {
		return cfg, err
	}
	cfg.mode = mode
	cfg.baseURL = strings.TrimRight(strings.TrimSpace(cfg.baseURL), "/")
	cfg.productRef = strings.TrimSpace(cfg.productRef)

	if cfg.baseURL == "" {
		return cfg, errors.New("url is required")
	}
	if cfg.duration < 0 {
		return cfg, errors.New("duration must be >= 0")
	}
	if cfg.duration == 0 && cfg.total <= 0 {
		return cfg, errors.New("total must be > 0 when duration is not set")
	}
	if cfg.duration > 0 && cfg.totalSet && cfg.total <= 0 {
		return cfg, errors.New("total must be > 0 when explicitly set with duration")
	}
	if cfg.concurrency <= 0 {
		return cfg, errors.New("concurrency must be > 0")
	}
	if cfg.timeout <= 0 {
		return cfg, errors.New("timeout must be > 0")
	}
	if cfg.quantity <= 0 {
		return cfg, errors.New("quantity must be > 0")
	}
	if _, err := strconv.ParseFloat(strings.TrimSpace(cfg.price), 64); err != nil && cfg.productRef == "" {
		return cfg, fmt.Errorf("invalid price %q", cfg.price)
	}
	if strings.TrimSpace(cfg.customerTag) == "" {
		return cfg, errors.New("customer-tag is required")
	}

	return cfg, nil
}

func parseMode(value string) (loadMode, error) {
	switch loadMode(strings.TrimSpace(value)) {
	case modeCheckout:
		return modeCheckout, nil
	case modeCheckoutReplay:
		return modeCheckoutReplay, nil
	default:
		return "", fmt.Errorf("unsupported mode: %s", value)
	}
}

// storefrontClient — минимальный HTTP-клиент витрины для сценариев нагрузки.
type storefrontClient struct {
	baseURL   string
	http      *http.Client
	timeout   time.Duration
	userAgent string
	col       *collector
}

type apiResponse struct {
	status int
	body   []byte
}

func (c *storefrontClient) call(method, path string, headers map[string]string, payload any) (apiResponse, error) {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return apiResponse{}, err
		}
		body = bytes.NewReader(raw)
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return apiResponse{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	for key, value := range headers {
		req.Header.Set(key, value)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return apiResponse{}, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return apiResponse{}, err
	}
	return apiResponse{status: resp.StatusCode, body: raw}, nil
}

// timed выполняет запрос и записывает его в статистику под именем name.
func (c *storefrontClient) timed(name, method, path string, headers map[string]string, payload any, want ...int) (apiResponse, error) {
	start := time.Now()
	resp, err := c.call(method, path, headers, payload)
	if err != nil {
		c.col.record(name, time.Since(start), codeTransportError, false)
		return resp, err
	}
	ok := false
	for _, status := range want {
		if resp.status == status {
			ok = true
			break
		}
	}
	c.col.record(name, time.Since(start), strconv.Itoa(resp.status), ok)
	if !ok {
		return resp, fmt.Errorf("%s %s: unexpected status %d: %s", method, path, resp.status, strings.TrimSpace(string(resp.body)))
	}
	return resp, nil
}

func (c *storefrontClient) createProduct(name, price string) (string, error) {
	resp, err := c.call(http.MethodPost, "/products", nil, map[string]any{
		"name":  name,
		"price": json.Number(strings.TrimSpace(price)),
	})
	if err != nil {
		return "", err
	}
	if resp.status != http.StatusCreated {
		return "", fmt.Errorf("create product: unexpected status %d: %s", resp.status, strings.TrimSpace(string(resp.body)))
	}
	var product struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(resp.body, &product); err != nil {
		return "", fmt.Errorf("decode product: %w", err)
	}
	if product.ID == "" {
		return "", errors.New("create product returned empty id")
	}
	return product.ID, nil
}

func runScenario(client *storefrontClient, cfg config, index int, runID string) error {
	scenarioStart := time.Now()
	var scenarioErr error
	defer func() {
		code := "ok"
		if scenarioErr != nil {
			code = "failed"
		}
		client.col.record("scenario", time.Since(scenarioStart), code, scenarioErr == nil)
	}()

	cartHeaders := map[string]string{headerCartID: uuid.NewString()}
	_, scenarioErr = client.timed("AddItem", http.MethodPost, "/cart", cartHeaders, map[string]any{
		"productRef": cfg.productRef,
		"quantity":   cfg.quantity,
	}, http.StatusCreated, http.StatusOK)
	if scenarioErr != nil {
		return scenarioErr
	}

	checkoutHeaders := map[string]string{
		headerCartID:         cartHeaders[headerCartID],
		headerIdempotencyKey: fmt.Sprintf("lt-checkout-%s-%d", runID, index),
	}
	customer := map[string]string{
		"customerName":  fmt.Sprintf("Load %d", index),
		"customerEmail": fmt.Sprintf("%s-%s-%d@loadtest.local", cfg.customerTag, runID, index),
	}
	resp, err := client.timed("Checkout", http.MethodPost, "/cart/checkout", checkoutHeaders, customer, http.StatusCreated)
	if err != nil {
		scenarioErr = err
		return err
	}
	orderNumber, err := decodeOrderNumber(resp.body)
	if err != nil {
		scenarioErr = err
		return err
	}
	if !client.col.recordOrder(orderNumber) {
		scenarioErr = fmt.Errorf("duplicate order number %s", orderNumber)
		return scenarioErr
	}

	if cfg.mode != modeCheckoutReplay {
		return nil
	}

	replay, err := client.timed("CheckoutReplay", http.MethodPost, "/cart/checkout", checkoutHeaders, customer, http.StatusCreated)
	if err != nil {
		scenarioErr = err
		return err
	}
	replayed, err := decodeOrderNumber(replay.body)
	if err != nil {
		scenarioErr = err
		return err
	}
	if replayed != orderNumber {
		scenarioErr = fmt.Errorf("replay returned order %s, want %s", replayed, orderNumber)
		return scenarioErr
	}
	return nil
}

func decodeOrderNumber(body []byte) (string, error) {
	var order struct {
		OrderNumber string `json:"orderNumber"`
	}
	if err := json.Unmarshal(body, &order); err != nil {
		return "", fmt.Errorf("decode order: %w", err)
	}
	if order.OrderNumber == "" {
		return "", errors.New("checkout response returned empty order number")
	}
	return order.OrderNumber, nil
}

// execute прогоняет нагрузку и возвращает итоговый отчёт.
func execute(cfg config, httpClient *http.Client) (report, error) {
	col := newCollector()
	client := &storefrontClient{
		baseURL:   cfg.baseURL,
		http:      httpClient,
		timeout:   cfg.timeout,
		userAgent: version.Current().UserAgent("loadtest"),
		col:       col,
	}

	if cfg.productRef == "" {
		id, err := client.createProduct("Load Test Item", cfg.price)
		if err != nil {
			return report{}, err
		}
		cfg.productRef = id
	}

	startedAt := time.Now()
	runID := uuid.NewString()[:8]

	jobs := make(chan int, cfg.concurrency*2)
	var wg sync.WaitGroup
	for workerID := 0; workerID < cfg.concurrency; workerID++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for id := range jobs {
				_ = runScenario(client, cfg, id, runID)
			}
		}()
	}

	dispatchJobs(jobs, cfg)
	wg.Wait()

	return col.buildReport(startedAt, time.Since(startedAt)), nil
}

func main() {
	cfg, err := parseConfig(os.Args[1:])
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	httpClient := &http.Client{Transport: &http.Transport{
		MaxIdleConns:        cfg.concurrency,
		MaxIdleConnsPerHost: cfg.concurrency,
		IdleConnTimeout:     90 * time.Second,
	}}

	result, err := execute(cfg, httpClient)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "load test failed: %v\n", err)
		os.Exit(1)
	}

	printReport(os.Stdout, result, cfg)
	if cfg.outputPath != "" {
		if err := writeJSONReport(cfg.outputPath, result); err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "failed to write report: %v\n", err)
			os.Exit(1)
		}
	}

	if result.FailedScenarios > 0 || result.DuplicateOrders > 0 {
		os.Exit(1)
	}
}

func dispatchJobs(jobs chan<- int, cfg config) {
	defer close(jobs)

	if cfg.duration <= 0 {
		for i := 0; i < cfg.total; i++ {
			jobs <- i
		}
		return
	}

	timer := time.NewTimer(cfg.duration)
	defer timer.Stop()

	for i := 0; ; i++ {
		if cfg.totalSet && i >= cfg.total {
			return
		}

		select {
		case <-timer.C:
			return
		case jobs <- i:
		}
	}
}

func writeJSONReport(path string, result report) error {
	cleanPath := filepath.Clean(path)
	if cleanPath == "." || cleanPath == string(filepath.Separator) {
		return errors.New("output path must point to a file")
	}
	if cleanPath == ".." || strings.HasPrefix(cleanPath, ".."+string(filepath.Separator)) {
		return fmt.Errorf("output path must be inside current directory: %s", path)
	}

	// #nosec G304 -- path is an explicit CLI output parameter for local load-test reports.
	file, err := os.Create(cleanPath)
	if err != nil {
		return err
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	return encoder.Encode(result)
}

func printReport(out io.Writer, result report, cfg config) {
	_, _ = fmt.Fprintln(out, "Load test summary")
	_, _ = fmt.Fprintf(out, "mode=%s run=%s total=%d success=%d failed=%d error_rate=%.4f\n",
		cfg.mode,
		runTarget(cfg),
		result.TotalScenarios,
		result.SuccessScenarios,
		result.FailedScenarios,
		result.ErrorRate,
	)
	_, _ = fmt.Fprintf(out, "duration=%.2fs rps=%.2f unique_orders=%d duplicate_orders=%d\n",
		result.DurationSeconds, result.RPS, result.UniqueOrders, result.DuplicateOrders)
	_, _ = fmt.Fprintf(out, "scenario latency ms: min=%.2f avg=%.2f p50=%.2f p95=%.2f p99=%.2f max=%.2f\n",
		result.ScenarioLatencyMs.Min,
		result.ScenarioLatencyMs.Avg,
		result.ScenarioLatencyMs.P50,
		result.ScenarioLatencyMs.P95,
		result.ScenarioLatencyMs.P99,
		result.ScenarioLatencyMs.Max,
	)

	methodNames := make([]string, 0, len(result.Methods))
	for name := range result.Methods {
		if name == "scenario" {
			continue
		}
		methodNames = append(methodNames, name)
	}
	sort.Strings(methodNames)
	for _, name := range methodNames {
		stats := result.Methods[name]
		_, _ = fmt.Fprintf(out,
			"%s: calls=%d success=%d failed=%d error_rate=%.4f p95=%.2fms\n",
			name,
			stats.Calls,
			stats.Success,
			stats.Failed,
			stats.ErrorRate,
			stats.LatencyMs.P95,
		)
	}
}

func runTarget(cfg config) string {
	if cfg.duration <= 0 {
		return fmt.Sprintf("count:%d", cfg.total)
	}
	if cfg.totalSet {
		return fmt.Sprintf("duration:%s,max-total:%d", cfg.duration, cfg.total)
	}
	return fmt.Sprintf("duration:%s", cfg.duration)
}

func buildLatencySummary(values []float64) latencySummary {
	if len(values) == 0 {
		return latencySummary{}
	}

	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	var sum float64
	for _, value := range sorted {
		sum += value
	}

	return latencySummary{
		Min: sorted[0],
		Max: sorted[len(sorted)-1],
		Avg: sum / float64(len(sorted)),
		P50: percentile(sorted, 50),
		P95: percentile(sorted, 95),
		P99: percentile(sorted, 99),
	}
}

func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	if len(sorted) == 1 {
		return sorted[0]
	}

	rank := (p / 100.0) * float64(len(sorted)-1)
	lower := int(math.Floor(rank))
	upper := int(math.Ceil(rank))
	if lower == upper {
		return sorted[lower]
	}

	weight := rank - float64(lower)
	return sorted[lower] + (sorted[upper]-sorted[lower])*weight
}

func ratio(failed, total int64) float64 {
	if total <= 0 {
		return 0
	}
	return float64(failed) / float64(total)
}
