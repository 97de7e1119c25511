package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/punchamoorthee/bookescrow/internal/auth"
	"github.com/punchamoorthee/bookescrow/internal/domain"
)

// Config holds the benchmark settings
var (
	targetURL     string
	concurrency   int
	duration      time.Duration
	workload      string
	totalAccounts int
	acceptRace    int
	jwtSecret     string
)

// Metrics
var (
	totalRequests uint64
	success200    uint64 // Idempotent replays and transitions
	success201    uint64 // Created
	fail409       uint64 // Conflicts (Aborts)
	fail422       uint64 // Business rejections
	failOther     uint64
	rentals       uint64 // Completed lifecycles
)

func init() {
	flag.StringVar(&targetURL, "url", "http://localhost:8080", "API Base URL")
	flag.IntVar(&concurrency, "workers", 10, "Number of concurrent workers")
	flag.DurationVar(&duration, "duration", 30*time.Second, "Test duration")
	flag.StringVar(&workload, "workload", "uniform", "Workload type: uniform | hotspot | rental")
	flag.IntVar(&totalAccounts, "accounts", 1000, "Accounts seeded by cmd/seeder")
	flag.IntVar(&acceptRace, "race", 4, "Concurrent accepts per rental (rental workload)")
}

func main() {
	flag.Parse()
	jwtSecret = os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		log.Fatal("JWT_SECRET is required to sign benchmark tokens")
	}
	if workload == "rental" && concurrency*2 > totalAccounts {
		log.Fatalf("rental workload needs %d accounts", concurrency*2)
	}
	log.Printf("Starting Benchmark: %s | Workers: %d | Duration: %s", workload, concurrency, duration)

	start := time.Now()
	var wg sync.WaitGroup
	wg.Add(concurrency)

	for i := 0; i < concurrency; i++ {
		if workload == "rental" {
			go rentalWorker(&wg, start, i)
		} else {
			go transferWorker(&wg, start)
		}
	}

	wg.Wait()
	printResults(time.Since(start))
}

func accountID(i int) domain.Identity {
	return domain.Identity(fmt.Sprintf("user-%04d", i))
}

var (
	tokenMu sync.Mutex
	tokens  = map[domain.Identity]string{}
)

func tokenFor(id domain.Identity) string {
	tokenMu.Lock()
	defer tokenMu.Unlock()
	if tok, ok := tokens[id]; ok {
		return tok
	}
	tok, err := auth.GenerateJWT(jwtSecret, id, 24*time.Hour)
	if err != nil {
		log.Fatalf("sign token: %v", err)
	}
	tokens[id] = tok
	return tok
}

func call(client *http.Client, caller domain.Identity, method, path string, payload any, headers map[string]string) int {
	var body io.Reader
	if payload != nil {
		b, _ := json.Marshal(payload)
		body = bytes.NewBuffer(b)
	}
	req, _ := http.NewRequest(method, targetURL+path, body)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+tokenFor(caller))
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		atomic.AddUint64(&failOther, 1)
		return 0
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	atomic.AddUint64(&totalRequests, 1)
	switch resp.StatusCode {
	case 201:
		atomic.AddUint64(&success201, 1)
	case 200:
		atomic.AddUint64(&success200, 1)
	case 409:
		atomic.AddUint64(&fail409, 1)
	case 422:
		atomic.AddUint64(&fail422, 1)
	default:
		atomic.AddUint64(&failOther, 1)
	}
	return resp.StatusCode
}

func transferWorker(wg *sync.WaitGroup, start time.Time) {
	defer wg.Done()
	client := &http.Client{Timeout: 5 * time.Second}

	for time.Since(start) < duration {
		from, to := generateAccounts()
		key := fmt.Sprintf("bench-%s-%s-%d", from, to, time.Now().UnixNano())

		payload := map[string]interface{}{
			"from_account_id": from,
			"to_account_id":   to,
			"amount":          int64(100),
		}
		call(client, from, "POST", "/api/v1/transfers", payload, map[string]string{"Idempotency-Key": key})
	}
}

// rentalWorker drives full lifecycles between a fixed owner and taker and
// races several accepts against each request. The server should run with a
// short RENTAL_PERIOD_SECONDS.
func rentalWorker(wg *sync.WaitGroup, start time.Time, n int) {
	defer wg.Done()
	client := &http.Client{Timeout: 5 * time.Second}
	owner, taker := accountID(2*n+1), accountID(2*n+2)
	book := fmt.Sprintf("book-%04d-01", 2*n+1)

	for time.Since(start) < duration {
		id := uuid.New().String()
		code := call(client, owner, "POST", "/api/v1/escrows", map[string]interface{}{
			"id":               id,
			"asset_id":         book,
			"price_per_period": 1,
			"deposit_amount":   5,
		}, nil)
		if code != 201 {
			time.Sleep(100 * time.Millisecond)
			continue
		}
		if call(client, taker, "POST", "/api/v1/escrows/"+id+"/request", map[string]int64{"rental_periods": 1}, nil) != 200 {
			continue
		}

		var race sync.WaitGroup
		race.Add(acceptRace)
		for i := 0; i < acceptRace; i++ {
			go func() {
				defer race.Done()
				call(client, owner, "POST", "/api/v1/escrows/"+id+"/accept", nil, nil)
			}()
		}
		race.Wait()

		for time.Since(start) < duration+time.Minute {
			code := call(client, taker, "POST", "/api/v1/escrows/"+id+"/return", nil, nil)
			if code == 200 {
				atomic.AddUint64(&rentals, 1)
				break
			}
			if code == 409 {
				// never accepted; the book stays locked in this escrow
				return
			}
			time.Sleep(250 * time.Millisecond)
		}
	}
}

func generateAccounts() (domain.Identity, domain.Identity) {
	if workload == "hotspot" {
		// Hotspot: 90% of traffic goes to Account 1 & 2
		if rand.Float32() < 0.90 {
			if rand.Float32() < 0.5 {
				return accountID(1), accountID(2)
			}
			return accountID(2), accountID(1)
		}
	}

	// Uniform Random
	a := rand.Intn(totalAccounts) + 1
	b := rand.Intn(totalAccounts) + 1
	for a == b {
		b = rand.Intn(totalAccounts) + 1
	}
	return accountID(a), accountID(b)
}

func printResults(d time.Duration) {
	total := atomic.LoadUint64(&totalRequests)
	f409 := atomic.LoadUint64(&fail409)

	var abortRate float64
	if total > 0 {
		abortRate = float64(f409) / float64(total) * 100
	}

	results := map[string]interface{}{
		"workload":          workload,
		"duration_sec":      d.Seconds(),
		"total_requests":    total,
		"throughput_tps":    float64(total) / d.Seconds(),
		"success_created":   atomic.LoadUint64(&success201),
		"success_ok":        atomic.LoadUint64(&success200),
		"aborts_conflict":   f409,
		"abort_rate_pct":    abortRate,
		"rejected":          atomic.LoadUint64(&fail422),
		"errors":            atomic.LoadUint64(&failOther),
		"rentals_completed": atomic.LoadUint64(&rentals),
	}

	// Print JSON for the python plotter to consume
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(results)

	// Also save to file
	filename := fmt.Sprintf("results_%s.json", workload)
	file, err := os.Create(filename)
	if err != nil {
		log.Printf("save results: %v", err)
		return
	}
	defer file.Close()
	json.NewEncoder(file).Encode(results)
}
