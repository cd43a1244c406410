// Loadgen replays labelled coupon redemption traffic against Couponguard.
//
// Usage:
//   go run cmd/loadgen/main.go -url http://localhost:8080 -users 500
//   go run cmd/loadgen/main.go -csv attempts.csv -url http://localhost:8080
//
// This tool:
//  1. Seeds two fixed coupons through the admin API (unless -seed=false)
//  2. Builds a mix of legitimate and abusive redemption attempts, or reads them from CSV
//  3. Sends each attempt to POST /redemptions/decide
//  4. Treats CHALLENGE and BLOCK as "flagged" and reports a confusion matrix
//
// CSV columns (header required): userId,userEmail,couponCode,orderAmount,deviceId,ip,abusive
package main

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const (
	smallCoupon = "LOADGEN10"
	largeCoupon = "LOADGEN50"
)

// Attempt is one labelled redemption.
type Attempt struct {
	Scenario string
	Abusive  bool
	Request  DecideRequest
}

// DecideRequest is the Couponguard API request format
type DecideRequest struct {
	UserID     string  `json:"userId"`
	UserEmail  string  `json:"userEmail"`
	CouponCode string  `json:"couponCode"`
	Amount     float64 `json:"orderAmount"`
	DeviceID   string  `json:"deviceId,omitempty"`
	IP         string  `json:"ip,omitempty"`
}

// DecideResponse is the Couponguard API response format
type DecideResponse struct {
	Decision  string   `json:"decision"` // ALLOW, CHALLENGE or BLOCK
	Risk      float64  `json:"risk"`
	Narration string   `json:"narration"`
	Reasons   []string `json:"reasons"`
}

// Metrics tracks replay results
type Metrics struct {
	TruePositives  int64 // Abuse flagged
	FalsePositives int64 // Legitimate flagged
	TrueNegatives  int64 // Legitimate allowed
	FalseNegatives int64 // Abuse allowed

	Allowed    int64
	Challenged int64
	Blocked    int64
	Rejected   int64 // 4xx from validation
	Errors     int64

	TotalProcessed   int64
	ProcessingTimeMs int64
}

func main() {
	baseURL := flag.String("url", "http://localhost:8080", "Couponguard base URL")
	csvPath := flag.String("csv", "", "Optional CSV of labelled attempts")
	users := flag.Int("users", 200, "Legitimate users to simulate")
	farms := flag.Int("farms", 5, "Device farms (one device, many accounts)")
	bursts := flag.Int("bursts", 3, "IP bursts (one IP, many accounts)")
	guessers := flag.Int("guessers", 3, "Code guessers (random codes then a real one)")
	workers := flag.Int("workers", 10, "Number of concurrent workers")
	seed := flag.Bool("seed", true, "Seed the loadgen coupons before replaying")
	adminKey := flag.String("admin-key", os.Getenv("COUPONGUARD_ADMIN_API_KEY"), "Admin API key for seeding")
	verbose := flag.Bool("verbose", false, "Print each attempt result")
	flag.Parse()

	fmt.Println("+---------------------------------------------------------------+")
	fmt.Println("|          COUPONGUARD LOADGEN - Redemption Abuse Replay        |")
	fmt.Println("+---------------------------------------------------------------+")
	fmt.Printf("\nCouponguard URL: %s\n", *baseURL)
	fmt.Printf("Workers:         %d\n", *workers)
	fmt.Println()

	if err := checkHealth(*baseURL); err != nil {
		fmt.Printf("ERROR: Couponguard not reachable at %s: %v\n", *baseURL, err)
		fmt.Println("\nMake sure Couponguard is running:")
		fmt.Println("  go run cmd/couponguard/main.go")
		os.Exit(1)
	}
	fmt.Println("OK  Couponguard is healthy")

	if *seed {
		for code, value := range map[string]float64{smallCoupon: 10, largeCoupon: 50} {
			if err := seedCoupon(*baseURL, *adminKey, code, value); err != nil {
				fmt.Printf("WARN seeding %s: %v (continuing; it may already exist)\n", code, err)
			}
		}
	}

	var attempts []Attempt
	var err error
	if *csvPath != "" {
		attempts, err = readAttemptsCSV(*csvPath)
		if err != nil {
			fmt.Printf("ERROR: Failed to read CSV: %v\n", err)
			os.Exit(1)
		}
	} else {
		attempts = generate(time.Now().UnixNano(), *users, *farms, *bursts, *guessers)
	}

	abusive := 0
	for _, a := range attempts {
		if a.Abusive {
			abusive++
		}
	}
	fmt.Printf("OK  Prepared %d attempts\n", len(attempts))
	fmt.Printf("  - Abusive:    %d\n", abusive)
	fmt.Printf("  - Legitimate: %d\n", len(attempts)-abusive)

	fmt.Printf("\nReplaying with %d workers...\n", *workers)
	startTime := time.Now()
	metrics := replay(attempts, *baseURL, *workers, *verbose)
	duration := time.Since(startTime)

	printResults(metrics, duration)
}

func checkHealth(baseURL string) error {
	resp, err := http.Get(baseURL + "/health")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

func seedCoupon(baseURL, adminKey, code string, value float64) error {
	body, err := json.Marshal(map[string]any{
		"name":  "loadgen " + code,
		"code":  code,
		"type":  "fixed",
		"value": value,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequest(http.MethodPost, baseURL+"/admin/coupons", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if adminKey != "" {
		req.Header.Set("X-Admin-Key", adminKey)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return nil
}

// generate builds the attempt mix. Farms and bursts exceed the default
// device and IP limits; guessers exceed the failed-attempt limit.
func generate(seed int64, users, farms, bursts, guessers int) []Attempt {
	rng := rand.New(rand.NewPCG(uint64(seed), 0))
	run := strconv.FormatInt(seed%1_000_000, 36)
	var out []Attempt

	for i := 0; i < users; i++ {
		id := fmt.Sprintf("lg-%s-user-%d", run, i)
		out = append(out, Attempt{
			Scenario: "legit",
			Request: DecideRequest{
				UserID:     id,
				UserEmail:  id + "@shop.example",
				CouponCode: smallCoupon,
				Amount:     20 + float64(rng.IntN(200)),
				DeviceID:   "dev-" + id,
				IP:         fmt.Sprintf("198.51.%d.%d", rng.IntN(256), 1+rng.IntN(254)),
			},
		})
	}

	for f := 0; f < farms; f++ {
		device := fmt.Sprintf("lg-%s-farm-%d", run, f)
		for i := 0; i < 8; i++ {
			id := fmt.Sprintf("%s-acct-%d", device, i)
			out = append(out, Attempt{
				Scenario: "device_farm",
				Abusive:  i >= 5,
				Request: DecideRequest{
					UserID:     id,
					UserEmail:  id + "@mailinator.example",
					CouponCode: largeCoupon,
					Amount:     60,
					DeviceID:   device,
					IP:         fmt.Sprintf("203.0.113.%d", 1+rng.IntN(254)),
				},
			})
		}
	}

	for b := 0; b < bursts; b++ {
		ip := fmt.Sprintf("192.0.2.%d", 1+b)
		for i := 0; i < 12; i++ {
			id := fmt.Sprintf("lg-%s-burst-%d-%d", run, b, i)
			out = append(out, Attempt{
				Scenario: "ip_burst",
				Abusive:  i >= 8,
				Request: DecideRequest{
					UserID:     id,
					UserEmail:  id + "@mailinator.example",
					CouponCode: smallCoupon,
					Amount:     40,
					DeviceID:   "dev-" + id,
					IP:         ip,
				},
			})
		}
	}

	for g := 0; g < guessers; g++ {
		id := fmt.Sprintf("lg-%s-guess-%d", run, g)
		req := DecideRequest{
			UserID:    id,
			UserEmail: id + "@mailinator.example",
			Amount:    80,
			DeviceID:  "dev-" + id,
			IP:        fmt.Sprintf("233.252.0.%d", 1+g),
		}
		for i := 0; i < 7; i++ {
			wrong := req
			wrong.CouponCode = fmt.Sprintf("GUESS%04d", rng.IntN(10000))
			out = append(out, Attempt{Scenario: "code_guess", Abusive: true, Request: wrong})
		}
		hit := req
		hit.CouponCode = smallCoupon
		out = append(out, Attempt{Scenario: "code_guess", Abusive: true, Request: hit})
	}

	return out
}

func readAttemptsCSV(path string) ([]Attempt, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	reader := csv.NewReader(file)

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}

	colIndex := make(map[string]int)
	for i, col := range header {
		colIndex[strings.ToLower(strings.TrimSpace(col))] = i
	}
	for _, col := range []string{"userid", "useremail", "couponcode", "orderamount"} {
		if _, ok := colIndex[col]; !ok {
			return nil, fmt.Errorf("missing column %q", col)
		}
	}

	field := func(record []string, col string) string {
		i, ok := colIndex[col]
		if !ok || i >= len(record) {
			return ""
		}
		return record[i]
	}

	var attempts []Attempt
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			continue // Skip malformed rows
		}

		amount, _ := strconv.ParseFloat(field(record, "orderamount"), 64)
		abusive, _ := strconv.ParseBool(field(record, "abusive"))

		attempts = append(attempts, Attempt{
			Scenario: "csv",
			Abusive:  abusive,
			Request: DecideRequest{
				UserID:     field(record, "userid"),
				UserEmail:  field(record, "useremail"),
				CouponCode: field(record, "couponcode"),
				Amount:     amount,
				DeviceID:   field(record, "deviceid"),
				IP:         field(record, "ip"),
			},
		})
	}

	return attempts, nil
}

// replay dispatches attempts in order. With more than one worker the server
// may see an actor's attempts interleaved, so use -workers 1 for exact labels.
func replay(attempts []Attempt, baseURL string, numWorkers int, verbose bool) *Metrics {
	metrics := &Metrics{}

	work := make(chan Attempt, 100)
	var wg sync.WaitGroup

	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			client := &http.Client{Timeout: 10 * time.Second}

			for a := range work {
				start := time.Now()
				result, status, err := decide(client, baseURL, a.Request)
				atomic.AddInt64(&metrics.ProcessingTimeMs, time.Since(start).Milliseconds())
				atomic.AddInt64(&metrics.TotalProcessed, 1)

				if err != nil {
					atomic.AddInt64(&metrics.Errors, 1)
					if verbose {
						fmt.Printf("ERROR: %s -> %v\n", a.Request.UserID, err)
					}
					continue
				}
				if status != http.StatusOK {
					// Validation rejections are not decisions.
					atomic.AddInt64(&metrics.Rejected, 1)
					continue
				}

				switch result.Decision {
				case "BLOCK":
					atomic.AddInt64(&metrics.Blocked, 1)
				case "CHALLENGE":
					atomic.AddInt64(&metrics.Challenged, 1)
				default:
					atomic.AddInt64(&metrics.Allowed, 1)
				}

				flagged := result.Decision != "ALLOW"
				switch {
				case flagged && a.Abusive:
					atomic.AddInt64(&metrics.TruePositives, 1)
				case flagged && !a.Abusive:
					atomic.AddInt64(&metrics.FalsePositives, 1)
				case !flagged && !a.Abusive:
					atomic.AddInt64(&metrics.TrueNegatives, 1)
				default:
					atomic.AddInt64(&metrics.FalseNegatives, 1)
				}

				if verbose {
					mark := "ok"
					if flagged != a.Abusive {
						mark = "xx"
					}
					fmt.Printf("%s %-12s | %-28s | %-9s (%.2f) | %s\n",
						mark, a.Scenario, a.Request.UserID, result.Decision, result.Risk, result.Narration)
				}
			}
		}()
	}

	for _, a := range attempts {
		work <- a
	}
	close(work)

	wg.Wait()

	return metrics
}

func decide(client *http.Client, baseURL string, req DecideRequest) (*DecideResponse, int, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, 0, err
	}

	httpReq, err := http.NewRequest(http.MethodPost, baseURL+"/redemptions/decide", bytes.NewReader(body))
	if err != nil {
		return nil, 0, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		io.Copy(io.Discard, resp.Body)
		return nil, resp.StatusCode, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, resp.StatusCode, fmt.Errorf("status %d", resp.StatusCode)
	}

	var result DecideResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, resp.StatusCode, err
	}

	return &result, resp.StatusCode, nil
}

func printResults(m *Metrics, duration time.Duration) {
	fmt.Println("\n+---------------------------------------------------------------+")
	fmt.Println("|                        REPLAY RESULTS                         |")
	fmt.Println("+---------------------------------------------------------------+")

	fmt.Printf("\nDECISIONS\n")
	fmt.Printf("   Total Processed:  %d\n", m.TotalProcessed)
	fmt.Printf("   Allowed:          %d\n", m.Allowed)
	fmt.Printf("   Challenged:       %d\n", m.Challenged)
	fmt.Printf("   Blocked:          %d\n", m.Blocked)
	fmt.Printf("   Rejected (4xx):   %d\n", m.Rejected)
	fmt.Printf("   Errors:           %d\n", m.Errors)

	fmt.Printf("\nCONFUSION MATRIX\n")
	fmt.Println("                       Predicted")
	fmt.Println("                  FLAGGED     ALLOW")
	fmt.Println("              +----------+----------+")
	fmt.Printf("   Actual  A  | %8d | %8d |  (TP, FN)\n", m.TruePositives, m.FalseNegatives)
	fmt.Println("              +----------+----------+")
	fmt.Printf("           L  | %8d | %8d |  (FP, TN)\n", m.FalsePositives, m.TrueNegatives)
	fmt.Println("              +----------+----------+")

	precision := float64(0)
	if m.TruePositives+m.FalsePositives > 0 {
		precision = float64(m.TruePositives) / float64(m.TruePositives+m.FalsePositives)
	}

	recall := float64(0)
	if m.TruePositives+m.FalseNegatives > 0 {
		recall = float64(m.TruePositives) / float64(m.TruePositives+m.FalseNegatives)
	}

	f1 := float64(0)
	if precision+recall > 0 {
		f1 = 2 * (precision * recall) / (precision + recall)
	}

	fmt.Printf("\nDETECTION METRICS\n")
	fmt.Printf("   Precision:  %.4f  (of flagged attempts, how many were abuse)\n", precision)
	fmt.Printf("   Recall:     %.4f  (of abuse, how much was flagged)\n", recall)
	fmt.Printf("   F1-Score:   %.4f\n", f1)

	fmt.Printf("\nPERFORMANCE\n")
	fmt.Printf("   Total Duration:   %v\n", duration.Round(time.Millisecond))
	if m.TotalProcessed > 0 {
		avgMs := float64(m.ProcessingTimeMs) / float64(m.TotalProcessed)
		rps := float64(m.TotalProcessed) / duration.Seconds()
		fmt.Printf("   Avg Latency:      %.2f ms\n", avgMs)
		fmt.Printf("   Throughput:       %.2f req/sec\n", rps)
	}

	fmt.Println()
}
