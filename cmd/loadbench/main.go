package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/iago/creator-ingest/internal/domain"
	"github.com/iago/creator-ingest/internal/events"
	httpserver "github.com/iago/creator-ingest/internal/http"
	"github.com/iago/creator-ingest/internal/http/handlers"
	"github.com/iago/creator-ingest/internal/http/middleware"
	"github.com/iago/creator-ingest/internal/queue"
	"github.com/iago/creator-ingest/internal/reconcile"
	"github.com/iago/creator-ingest/internal/repository"
	"github.com/iago/creator-ingest/internal/service"
)

type scenarioResult struct {
	Name          string   `json:"name"`
	Total         int      `json:"total"`
	Success       int      `json:"success"`
	Errors        int      `json:"errors"`
	P50MS         float64  `json:"p50_ms"`
	P95MS         float64  `json:"p95_ms"`
	P99MS         float64  `json:"p99_ms"`
	MaxMS         float64  `json:"max_ms"`
	ThroughputRPS float64  `json:"throughput_rps"`
	ErrorSamples  []string `json:"error_samples,omitempty"`
}

type runResult struct {
	GeneratedAtUTC string           `json:"generated_at_utc"`
	Environment    string           `json:"environment"`
	Results        []scenarioResult `json:"results"`
	Reconciled     reconcileTotals  `json:"reconciled"`
	SLOEvaluation  map[string]bool  `json:"slo_evaluation"`
}

type reconcileTotals struct {
	Created  int `json:"created"`
	Updated  int `json:"updated"`
	Skipped  int `json:"skipped"`
	Rejected int `json:"rejected"`
}

type benchmarkEnv struct {
	server *httptest.Server
	store  *reconcile.Store
}

func main() {
	creatorsTotal := flag.Int("creators", 500, "creators seeded and enqueued once each")
	collectConcurrency := flag.Int("collect-concurrency", 24, "concurrency for collect enqueue requests")
	statusTotal := flag.Int("status-total", 400, "total job status requests")
	statusConcurrency := flag.Int("status-concurrency", 24, "concurrency for job status requests")
	statsTotal := flag.Int("stats-total", 200, "total queue stats requests")
	statsConcurrency := flag.Int("stats-concurrency", 16, "concurrency for queue stats requests")
	batchesTotal := flag.Int("batches-total", 200, "total reconciliation batches")
	batchSize := flag.Int("batch-size", 25, "records per reconciliation batch")
	batchesConcurrency := flag.Int("batches-concurrency", 8, "concurrency for reconciliation batches")
	outputPath := flag.String("output", "", "optional path to persist benchmark results JSON")
	flag.Parse()

	env := startBenchmarkEnvironment(*creatorsTotal)
	defer env.server.Close()

	client := &http.Client{Timeout: 10 * time.Second}

	collectScenario := runScenario("collect_enqueue", *creatorsTotal, *collectConcurrency, func(index int) error {
		url := fmt.Sprintf("%s/v1/creators/creator-%d/collect", env.server.URL, index)
		return doRequest(client, http.MethodPost, url, http.StatusAccepted)
	})

	statusScenario := runScenario("job_status", *statusTotal, *statusConcurrency, func(index int) error {
		url := fmt.Sprintf(
			"%s/v1/queues/%s/jobs/creator:creator-%d",
			env.server.URL,
			domain.QueueCreatorCollection,
			index%max(*creatorsTotal, 1),
		)
		return doRequest(client, http.MethodGet, url, http.StatusOK)
	})

	statsScenario := runScenario("queue_stats", *statsTotal, *statsConcurrency, func(index int) error {
		url := env.server.URL + "/v1/queues/stats"
		if index%10 == 0 {
			url += "?cache=false"
		}
		return doRequest(client, http.MethodGet, url, http.StatusOK)
	})

	var totalsMu sync.Mutex
	totals := reconcileTotals{}
	reconcileScenario := runScenario("reconcile_batch", *batchesTotal, *batchesConcurrency, func(index int) error {
		result, err := env.store.StoreBatch(context.Background(), buildBatch(index, *batchSize))
		if err != nil {
			return err
		}
		totalsMu.Lock()
		totals.Created += result.Created
		totals.Updated += result.Updated
		totals.Skipped += result.Skipped
		totals.Rejected += len(result.Errors)
		totalsMu.Unlock()
		return nil
	})

	slo := map[string]bool{
		"collect_enqueue_p95_le_500ms": collectScenario.P95MS <= 500,
		"job_status_p95_le_200ms":      statusScenario.P95MS <= 200,
		"reconcile_batch_p95_le_250ms": reconcileScenario.P95MS <= 250,
	}

	report := runResult{
		GeneratedAtUTC: time.Now().UTC().Format(time.RFC3339Nano),
		Environment:    "local-httptest",
		Results:        []scenarioResult{collectScenario, statusScenario, statsScenario, reconcileScenario},
		Reconciled:     totals,
		SLOEvaluation:  slo,
	}

	encoded, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		log.Fatalf("failed to marshal benchmark report: %v", err)
	}

	if *outputPath != "" {
		if err := os.WriteFile(*outputPath, encoded, 0o644); err != nil {
			log.Fatalf("failed to write output file: %v", err)
		}
	}

	_, _ = fmt.Fprintln(os.Stdout, string(encoded))
}

func startBenchmarkEnvironment(creatorsTotal int) *benchmarkEnv {
	logger := log.New(io.Discard, "", 0)

	seeded := make([]*domain.Creator, 0, creatorsTotal)
	for i := 0; i < creatorsTotal; i++ {
		seeded = append(seeded, &domain.Creator{
			ID:     fmt.Sprintf("creator-%d", i),
			Name:   fmt.Sprintf("Creator %d", i),
			Active: true,
		})
	}
	creators := repository.NewMemoryCreatorsRepository(seeded...)
	manager := queue.NewManager(queue.NewMemoryStore(nil), queue.ManagerConfig{})
	broker := events.NewBroker()
	store := reconcile.NewStore(repository.NewMemoryContentRepository(), reconcile.Config{
		Events: broker,
		Logger: logger,
	})

	api := handlers.NewAPI(handlers.Dependencies{
		Queue:         manager,
		Collection:    service.NewCollectionService(creators, manager, time.Second, logger),
		Snapshots:     repository.NewMemorySnapshotsRepository(),
		Events:        broker,
		CleanupPolicy: queue.DefaultCleanupPolicy(),
		Heartbeat:     15 * time.Second,
		Logger:        logger,
	})
	router := httpserver.NewRouter(httpserver.RouterDependencies{
		API:         api,
		Logger:      logger,
		RateLimiter: middleware.NewRateLimiter(20000, 20000),
	})

	return &benchmarkEnv{
		server: httptest.NewServer(router),
		store:  store,
	}
}

// buildBatch overlaps half of its keys with the previous batch of the same
// creator so the run exercises created, updated and skipped paths together.
func buildBatch(index int, size int) []domain.CandidateRecord {
	records := make([]domain.CandidateRecord, 0, size)
	published := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	round := index / 16
	for i := 0; i < size; i++ {
		id := round*size/2 + i
		records = append(records, domain.CandidateRecord{
			CreatorID:         fmt.Sprintf("creator-%d", index%16),
			Platform:          domain.PlatformRSS,
			PlatformContentID: fmt.Sprintf("item-%d", id),
			URL:               fmt.Sprintf("https://example.com/posts/%d", id),
			Title:             fmt.Sprintf("Post %d rev %d", id, round%3),
			PublishedAt:       published.Add(time.Duration(id) * time.Minute),
		})
	}
	return records
}

func runScenario(
	name string,
	total int,
	concurrency int,
	requestFn func(index int) error,
) scenarioResult {
	if total <= 0 {
		return scenarioResult{Name: name}
	}
	if concurrency <= 0 {
		concurrency = 1
	}

	startedAt := time.Now()
	type sample struct {
		durationMS float64
		err        string
	}

	jobs := make(chan int, total)
	results := make(chan sample, total)
	for i := 0; i < total; i++ {
		jobs <- i
	}
	close(jobs)

	var wg sync.WaitGroup
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for index := range jobs {
				requestStart := time.Now()
				err := requestFn(index)
				s := sample{
					durationMS: float64(time.Since(requestStart).Microseconds()) / 1000.0,
				}
				if err != nil {
					s.err = err.Error()
				}
				results <- s
			}
		}()
	}
	wg.Wait()
	close(results)

	durations := make([]float64, 0, total)
	errorSamples := make([]string, 0, 5)
	success := 0
	errorsCount := 0
	for item := range results {
		durations = append(durations, item.durationMS)
		if item.err == "" {
			success++
			continue
		}
		errorsCount++
		if len(errorSamples) < 5 {
			errorSamples = append(errorSamples, item.err)
		}
	}

	sort.Float64s(durations)
	elapsedSeconds := time.Since(startedAt).Seconds()
	throughput := 0.0
	if elapsedSeconds > 0 {
		throughput = float64(total) / elapsedSeconds
	}

	return scenarioResult{
		Name:          name,
		Total:         total,
		Success:       success,
		Errors:        errorsCount,
		P50MS:         percentile(durations, 0.50),
		P95MS:         percentile(durations, 0.95),
		P99MS:         percentile(durations, 0.99),
		MaxMS:         percentile(durations, 1.00),
		ThroughputRPS: round2(throughput),
		ErrorSamples:  errorSamples,
	}
}

func doRequest(client *http.Client, method, url string, expectedStatus int) error {
	request, err := http.NewRequest(method, url, nil)
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	request.Header.Set("Accept", "application/json")

	response, err := client.Do(request)
	if err != nil {
		return err
	}
	defer response.Body.Close()

	if response.StatusCode != expectedStatus {
		body, _ := io.ReadAll(io.LimitReader(response.Body, 1024))
		return fmt.Errorf("unexpected status %d (expected %d): %s", response.StatusCode, expectedStatus, string(body))
	}
	_, _ = io.Copy(io.Discard, response.Body)
	return nil
}

func percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}
	if p <= 0 {
		return round2(values[0])
	}
	if p >= 1 {
		return round2(values[len(values)-1])
	}
	rank := int(math.Ceil(float64(len(values))*p)) - 1
	if rank < 0 {
		rank = 0
	}
	if rank >= len(values) {
		rank = len(values) - 1
	}
	return round2(values[rank])
}

func round2(value float64) float64 {
	return math.Round(value*100) / 100
}
