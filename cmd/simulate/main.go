// Booking race simulator: many workers hammer a deliberately small pool of
// (doctor, slot) targets through the HTTP API, then the visits table is
// checked for double bookings.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/medibook/slot-scheduling/internal/config"
	"github.com/medibook/slot-scheduling/internal/db"
	"github.com/medibook/slot-scheduling/internal/slot"
	"github.com/medibook/slot-scheduling/internal/store"
)

type SimConfig struct {
	APIBaseURL   string
	Duration     time.Duration
	Workers      int
	PatientLimit int
	TargetSlots  int
	PostgresDSN  string
}

type Target struct {
	DoctorID uuid.UUID
	SlotTS   int64
}

type DataPool struct {
	Patients []uuid.UUID
	Targets  []Target
}

type OperationMetrics struct {
	Total     int64
	Success   int64
	Conflict  int64
	Error     int64
	Latencies []time.Duration
	mu        sync.Mutex
}

func (om *OperationMetrics) Record(latency time.Duration, success, conflict bool) {
	atomic.AddInt64(&om.Total, 1)
	if success {
		atomic.AddInt64(&om.Success, 1)
	} else if conflict {
		atomic.AddInt64(&om.Conflict, 1)
	} else {
		atomic.AddInt64(&om.Error, 1)
	}

	om.mu.Lock()
	om.Latencies = append(om.Latencies, latency)
	om.mu.Unlock()
}

func (om *OperationMetrics) Stats() (avg, min, max, p50, p95 time.Duration) {
	om.mu.Lock()
	defer om.mu.Unlock()

	if len(om.Latencies) == 0 {
		return 0, 0, 0, 0, 0
	}

	latencies := make([]time.Duration, len(om.Latencies))
	copy(latencies, om.Latencies)

	sort.Slice(latencies, func(i, j int) bool {
		return latencies[i] < latencies[j]
	})

	var sum time.Duration
	for _, l := range latencies {
		sum += l
	}

	avg = sum / time.Duration(len(latencies))
	min = latencies[0]
	max = latencies[len(latencies)-1]

	p50Idx := len(latencies) * 50 / 100
	if p50Idx >= len(latencies) {
		p50Idx = len(latencies) - 1
	}
	p50 = latencies[p50Idx]

	p95Idx := len(latencies) * 95 / 100
	if p95Idx >= len(latencies) {
		p95Idx = len(latencies) - 1
	}
	p95 = latencies[p95Idx]

	return avg, min, max, p50, p95
}

type Simulator struct {
	config  SimConfig
	pool    *DataPool
	client  *http.Client
	metrics OperationMetrics
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("simulator starting")

	cfg := loadConfig()
	if err := validateConfig(cfg); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	log.Printf("config: duration=%s workers=%d target_slots=%d",
		cfg.Duration, cfg.Workers, cfg.TargetSlots)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pgPool, err := db.ConnectPostgres(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer pgPool.Close()

	dataPool, err := loadDataPool(ctx, pgPool, cfg)
	if err != nil {
		log.Fatalf("load data pool: %v", err)
	}

	log.Printf("loaded: %d patients, %d target slots", len(dataPool.Patients), len(dataPool.Targets))

	sim := &Simulator{
		config: cfg,
		pool:   dataPool,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}

	sim.Run()
	sim.PrintReport()

	if err := verifyNoDoubleBooking(context.Background(), pgPool); err != nil {
		log.Fatalf("VERIFICATION FAILED: %v", err)
	}
	log.Println("verification passed: at most one visit per (doctor, slot)")
}

func loadConfig() SimConfig {
	baseCfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load base config: %v", err)
	}

	return SimConfig{
		APIBaseURL:   getEnv("SIM_API_BASE_URL", "http://localhost:8080"),
		Duration:     getDuration("SIM_DURATION", 30*time.Second),
		Workers:      getInt("SIM_WORKERS", 20),
		PatientLimit: getInt("SIM_PATIENT_LIMIT", 2000),
		TargetSlots:  getInt("SIM_TARGET_SLOTS", 50),
		PostgresDSN:  baseCfg.PostgresDSN,
	}
}

func validateConfig(cfg SimConfig) error {
	if cfg.PostgresDSN == "" {
		return fmt.Errorf("POSTGRES_DSN is required (set in .env or environment)")
	}
	if cfg.Workers <= 0 {
		return fmt.Errorf("SIM_WORKERS must be > 0")
	}
	if cfg.Duration <= 0 {
		return fmt.Errorf("SIM_DURATION must be > 0")
	}
	if cfg.TargetSlots <= 0 {
		return fmt.Errorf("SIM_TARGET_SLOTS must be > 0")
	}
	return nil
}

// loadDataPool picks patients plus a small set of open future slots. The
// pool is kept much smaller than the worker count so that most requests
// collide on purpose.
func loadDataPool(ctx context.Context, pool *pgxpool.Pool, cfg SimConfig) (*DataPool, error) {
	dataPool := &DataPool{}

	rows, err := pool.Query(ctx, `
		SELECT id FROM patients LIMIT $1
	`, cfg.PatientLimit)
	if err != nil {
		return nil, fmt.Errorf("load patients: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		dataPool.Patients = append(dataPool.Patients, id)
	}

	st := store.NewPgStore(pool)
	doctorIDs, err := st.ListDoctorIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("load doctors: %w", err)
	}

	now := time.Now().Unix()
	for _, doctorID := range doctorIDs {
		if len(dataPool.Targets) >= cfg.TargetSlots {
			break
		}
		avail, err := st.GetWeeklyAvailability(ctx, doctorID)
		if err != nil {
			return nil, fmt.Errorf("load availability: %w", err)
		}
		for ts, status := range avail {
			if status == slot.StatusAvailable && ts > now {
				dataPool.Targets = append(dataPool.Targets, Target{DoctorID: doctorID, SlotTS: ts})
				if len(dataPool.Targets) >= cfg.TargetSlots {
					break
				}
			}
		}
	}

	if len(dataPool.Patients) == 0 {
		return nil, fmt.Errorf("no patients loaded, run cmd/seed first")
	}
	if len(dataPool.Targets) == 0 {
		return nil, fmt.Errorf("no open slots loaded, run cmd/seed first")
	}

	return dataPool, nil
}

func (s *Simulator) Run() {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.Duration)
	defer cancel()

	log.Printf("starting simulation for %s with %d workers", s.config.Duration, s.config.Workers)

	var wg sync.WaitGroup
	for i := 0; i < s.config.Workers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			s.worker(ctx, workerID)
		}(i)
	}

	wg.Wait()
	log.Println("simulation complete")
}

func (s *Simulator) worker(ctx context.Context, workerID int) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(workerID)))

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		target := s.pool.Targets[rng.Intn(len(s.pool.Targets))]
		patient := s.pool.Patients[rng.Intn(len(s.pool.Patients))]

		s.bookVisit(ctx, target, patient)
	}
}

func (s *Simulator) bookVisit(ctx context.Context, target Target, patientID uuid.UUID) {
	body, _ := json.Marshal(map[string]any{
		"doctor_id":  target.DoctorID.String(),
		"patient_id": patientID.String(),
		"timestamp":  target.SlotTS,
	})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		s.config.APIBaseURL+"/visits", bytes.NewReader(body))
	if err != nil {
		s.metrics.Record(0, false, false)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := s.client.Do(req)
	latency := time.Since(start)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		s.metrics.Record(latency, false, false)
		return
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode == http.StatusCreated:
		s.metrics.Record(latency, true, false)
	case resp.StatusCode == http.StatusConflict:
		s.metrics.Record(latency, false, true)
	default:
		s.metrics.Record(latency, false, false)
	}
}

func (s *Simulator) PrintReport() {
	avg, min, max, p50, p95 := s.metrics.Stats()

	log.Println("---- booking race report ----")
	log.Printf("total=%d success=%d conflict=%d error=%d",
		atomic.LoadInt64(&s.metrics.Total),
		atomic.LoadInt64(&s.metrics.Success),
		atomic.LoadInt64(&s.metrics.Conflict),
		atomic.LoadInt64(&s.metrics.Error))
	log.Printf("latency avg=%s min=%s max=%s p50=%s p95=%s", avg, min, max, p50, p95)
}

func verifyNoDoubleBooking(ctx context.Context, pool *pgxpool.Pool) error {
	var dupes int
	err := pool.QueryRow(ctx, `
		SELECT count(*)
		FROM (
			SELECT doctor_id, slot_ts
			FROM visits
			GROUP BY doctor_id, slot_ts
			HAVING count(*) > 1
		) d
	`).Scan(&dupes)
	if err != nil {
		return fmt.Errorf("query duplicates: %w", err)
	}
	if dupes > 0 {
		return fmt.Errorf("%d (doctor, slot) pairs have multiple visits", dupes)
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
		if n, err := strconv.Atoi(v); err == nil {
			return time.Duration(n) * time.Second
		}
	}
	return def
}
