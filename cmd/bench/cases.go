// README: Bench checks: environment, migrations, API flows, payment races and load.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

type Runner struct {
	cfg   Config
	httpc *http.Client
	db    *pgxpool.Pool
	redis *redis.Client
	// run prefixes every user id so repeated runs never collide.
	run string
	// flowGroup is the group created by the match flow, reused by later checks.
	flowGroup string
}

type Result struct {
	Name    string
	Status  string
	Latency time.Duration
	Note    string
}

type TestCase struct {
	Name string
	Run  func(ctx context.Context, r *Runner) Result
}

func NewRunner(cfg Config) *Runner {
	return &Runner{
		cfg:   cfg,
		httpc: &http.Client{Timeout: 10 * time.Second},
		run:   uuid.NewString()[:8],
	}
}

func (r *Runner) RunAll(ctx context.Context) []Result {
	if r.cfg.DSN != "" {
		if db, err := pgxpool.New(ctx, r.cfg.DSN); err == nil {
			r.db = db
		}
	}
	if r.cfg.RedisAddr != "" {
		r.redis = redis.NewClient(&redis.Options{Addr: r.cfg.RedisAddr})
	}

	tests := r.cases()
	results := make([]Result, 0, len(tests))

	for _, tc := range tests {
		res := tc.Run(ctx, r)
		res.Name = tc.Name
		results = append(results, res)
		fmt.Printf("%-7s %s", res.Status, tc.Name)
		if res.Latency > 0 {
			fmt.Printf(" (%s)", res.Latency)
		}
		if res.Note != "" {
			fmt.Printf(" - %s", res.Note)
		}
		fmt.Println()
	}

	if r.db != nil {
		r.db.Close()
	}
	if r.redis != nil {
		_ = r.redis.Close()
	}
	return results
}

func (r *Runner) user(name string) string {
	return "bench-" + r.run + "-" + name
}

func (r *Runner) order() map[string]any {
	return map[string]any{"restaurant": r.cfg.Restaurant, "location": r.cfg.Location, "time": "now"}
}

func (r *Runner) cases() []TestCase {
	return []TestCase{
		{
			Name: "Env: Postgres connect",
			Run: func(ctx context.Context, r *Runner) Result {
				if r.db == nil {
					return Result{Status: "SKIP", Note: "db not configured"}
				}
				ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
				defer cancel()
				if err := r.db.Ping(ctx); err != nil {
					return Result{Status: "FAIL", Note: err.Error()}
				}
				return Result{Status: "PASS"}
			},
		},
		{
			Name: "Env: Redis connect",
			Run: func(ctx context.Context, r *Runner) Result {
				if r.redis == nil {
					return Result{Status: "SKIP", Note: "redis not configured"}
				}
				ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
				defer cancel()
				if err := r.redis.Ping(ctx).Err(); err != nil {
					return Result{Status: "FAIL", Note: err.Error()}
				}
				return Result{Status: "PASS"}
			},
		},
		{
			Name: "Migration: apply (optional)",
			Run: func(ctx context.Context, r *Runner) Result {
				if !r.cfg.ApplyMigration {
					return Result{Status: "SKIP", Note: "apply-migration=false"}
				}
				if r.db == nil {
					return Result{Status: "FAIL", Note: "db not configured"}
				}
				sql, err := os.ReadFile(r.cfg.MigrationPath)
				if err != nil {
					return Result{Status: "FAIL", Note: err.Error()}
				}
				for _, s := range splitSQL(string(sql)) {
					if _, err := r.db.Exec(ctx, s); err != nil {
						return Result{Status: "FAIL", Note: err.Error()}
					}
				}
				return Result{Status: "PASS"}
			},
		},
		{
			Name: "Migration: tables exist",
			Run: func(ctx context.Context, r *Runner) Result {
				if r.db == nil {
					return Result{Status: "SKIP", Note: "db not configured"}
				}
				tables, err := extractTables(r.cfg.MigrationPath)
				if err != nil {
					return Result{Status: "FAIL", Note: err.Error()}
				}
				for _, t := range tables {
					var exists bool
					err := r.db.QueryRow(ctx,
						"SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_name=$1)",
						t,
					).Scan(&exists)
					if err != nil {
						return Result{Status: "FAIL", Note: err.Error()}
					}
					if !exists {
						return Result{Status: "FAIL", Note: "missing table: " + t}
					}
				}
				return Result{Status: "PASS"}
			},
		},
		{
			Name: "API: health",
			Run: func(ctx context.Context, r *Runner) Result {
				code, _, latency, err := r.call(ctx, http.MethodGet, "/health", nil, "")
				if err != nil {
					return Result{Status: "FAIL", Note: err.Error()}
				}
				return expect(code, latency, http.StatusOK)
			},
		},
		{
			Name: "Request: unauthenticated -> 401",
			Run: func(ctx context.Context, r *Runner) Result {
				code, _, latency, err := r.call(ctx, http.MethodPost, "/api/requests", r.order(), "")
				if err != nil {
					return Result{Status: "FAIL", Note: err.Error()}
				}
				return expect(code, latency, http.StatusUnauthorized)
			},
		},
		{
			Name: "Request: missing fields -> 400",
			Run: func(ctx context.Context, r *Runner) Result {
				code, _, latency, err := r.call(ctx, http.MethodPost, "/api/requests", map[string]any{}, r.user("empty"))
				if err != nil {
					return Result{Status: "FAIL", Note: err.Error()}
				}
				return expect(code, latency, http.StatusBadRequest)
			},
		},
		{
			Name: "Request: cancel while waiting",
			Run: func(ctx context.Context, r *Runner) Result {
				uid := r.user("withdraw")
				if _, _, _, err := r.call(ctx, http.MethodPost, "/api/requests",
					map[string]any{"restaurant": r.cfg.Restaurant, "location": r.cfg.Location, "time": "11:55pm"}, uid); err != nil {
					return Result{Status: "FAIL", Note: err.Error()}
				}
				code, body, latency, err := r.call(ctx, http.MethodPost, "/api/cancellations", nil, uid)
				if err != nil {
					return Result{Status: "FAIL", Note: err.Error()}
				}
				if code != http.StatusOK {
					return Result{Status: "FAIL", Latency: latency, Note: fmt.Sprintf("status=%d", code)}
				}
				return Result{Status: "PASS", Latency: latency, Note: fmt.Sprintf("withdrawn=%v", body["withdrawn"])}
			},
		},
		{
			Name: "Flow: match two requests and dispatch on second payment",
			Run:  matchFlow,
		},
		{
			Name: "Flow: group view shows both payments",
			Run: func(ctx context.Context, r *Runner) Result {
				if r.flowGroup == "" {
					return Result{Status: "SKIP", Note: "match flow did not form a group"}
				}
				code, body, latency, err := r.callAs(ctx, http.MethodGet, "/api/groups/"+r.flowGroup, nil, r.user("ops"), "admin")
				if err != nil {
					return Result{Status: "FAIL", Note: err.Error()}
				}
				paid, _ := body["paid"].([]any)
				if code != http.StatusOK || len(paid) != 2 {
					return Result{Status: "FAIL", Latency: latency, Note: fmt.Sprintf("status=%d paid=%d", code, len(paid))}
				}
				return Result{Status: "PASS", Latency: latency, Note: fmt.Sprintf("state=%v", body["state"])}
			},
		},
		{
			Name: "DB: group events recorded",
			Run: func(ctx context.Context, r *Runner) Result {
				if r.db == nil || r.flowGroup == "" {
					return Result{Status: "SKIP", Note: "db or flow group missing"}
				}
				var n int
				if err := r.db.QueryRow(ctx, "SELECT COUNT(*) FROM group_events WHERE group_id=$1", r.flowGroup).Scan(&n); err != nil {
					return Result{Status: "FAIL", Note: err.Error()}
				}
				if n == 0 {
					return Result{Status: "FAIL", Note: "no events"}
				}
				return Result{Status: "PASS", Note: fmt.Sprintf("events=%d", n)}
			},
		},
		{
			Name: "Redis: scheduler queue readable",
			Run: func(ctx context.Context, r *Runner) Result {
				if r.redis == nil {
					return Result{Status: "SKIP", Note: "redis not configured"}
				}
				n, err := r.redis.ZCard(ctx, "pangea:tasks").Result()
				if err != nil {
					return Result{Status: "FAIL", Note: err.Error()}
				}
				return Result{Status: "PASS", Note: fmt.Sprintf("pending_tasks=%d", n)}
			},
		},
		{
			Name: "Concurrency: racing payments dispatch once",
			Run:  paymentRace,
		},
		{
			Name: "Perf: request and cancel throughput",
			Run:  perfLoad,
		},
	}
}

// call sends body as JSON with uid in X-User-ID and decodes a JSON object reply.
func (r *Runner) call(ctx context.Context, method, path string, body any, uid string) (int, map[string]any, time.Duration, error) {
	return r.callAs(ctx, method, path, body, uid, "")
}

// callAs is call with a caller role in X-User-Role.
func (r *Runner) callAs(ctx context.Context, method, path string, body any, uid, role string) (int, map[string]any, time.Duration, error) {
	var reader io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, r.cfg.BaseURL+path, reader)
	if err != nil {
		return 0, nil, 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if uid != "" {
		req.Header.Set("X-User-ID", uid)
	}
	if role != "" {
		req.Header.Set("X-User-Role", role)
	}
	start := time.Now()
	resp, err := r.httpc.Do(req)
	if err != nil {
		return 0, nil, 0, err
	}
	defer resp.Body.Close()
	latency := time.Since(start)

	var out map[string]any
	raw, _ := io.ReadAll(resp.Body)
	_ = json.Unmarshal(raw, &out)
	return resp.StatusCode, out, latency, nil
}

func expect(code int, latency time.Duration, want int) Result {
	if code == want {
		return Result{Status: "PASS", Latency: latency, Note: fmt.Sprintf("status=%d", code)}
	}
	return Result{Status: "FAIL", Latency: latency, Note: fmt.Sprintf("status=%d want=%d", code, want)}
}

func matchFlow(ctx context.Context, r *Runner) Result {
	a, b := r.user("a"), r.user("b")
	start := time.Now()
	if _, _, _, err := r.call(ctx, http.MethodPost, "/api/requests", r.order(), a); err != nil {
		return Result{Status: "FAIL", Note: err.Error()}
	}
	code, body, _, err := r.call(ctx, http.MethodPost, "/api/requests", r.order(), b)
	if err != nil {
		return Result{Status: "FAIL", Note: err.Error()}
	}
	if code != http.StatusCreated || body["outcome"] != "matched" {
		return Result{Status: "FAIL", Note: fmt.Sprintf("second request: status=%d outcome=%v", code, body["outcome"])}
	}
	if g, ok := body["group"].(map[string]any); ok {
		r.flowGroup, _ = g["group_id"].(string)
	}

	if _, body, _, err = r.call(ctx, http.MethodPost, "/api/payments", nil, a); err != nil {
		return Result{Status: "FAIL", Note: err.Error()}
	}
	if body["action"] != "waiting" {
		return Result{Status: "FAIL", Note: fmt.Sprintf("first payment action=%v", body["action"])}
	}
	if _, body, _, err = r.call(ctx, http.MethodPost, "/api/payments", nil, b); err != nil {
		return Result{Status: "FAIL", Note: err.Error()}
	}
	if body["action"] != "dispatched" {
		return Result{Status: "FAIL", Note: fmt.Sprintf("second payment action=%v reason=%v", body["action"], body["reason"])}
	}
	return Result{Status: "PASS", Latency: time.Since(start), Note: fmt.Sprintf("delivery=%v", body["delivery_id"])}
}

// paymentRace has both members of a fresh group pay from many goroutines at
// once. Exactly one response may report a dispatch.
func paymentRace(ctx context.Context, r *Runner) Result {
	a, b := r.user("race-a"), r.user("race-b")
	if _, _, _, err := r.call(ctx, http.MethodPost, "/api/requests", r.order(), a); err != nil {
		return Result{Status: "FAIL", Note: err.Error()}
	}
	code, body, _, err := r.call(ctx, http.MethodPost, "/api/requests", r.order(), b)
	if err != nil {
		return Result{Status: "FAIL", Note: err.Error()}
	}
	if code != http.StatusCreated || body["outcome"] != "matched" {
		return Result{Status: "SKIP", Note: fmt.Sprintf("no match formed: outcome=%v", body["outcome"])}
	}

	var (
		wg         sync.WaitGroup
		mu         sync.Mutex
		dispatched int
		failed     int
	)
	start := make(chan struct{})
	for i := 0; i < r.cfg.Concurrency; i++ {
		uid := a
		if i%2 == 1 {
			uid = b
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, body, _, err := r.call(ctx, http.MethodPost, "/api/payments", nil, uid)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failed++
				return
			}
			if body["action"] == "dispatched" {
				dispatched++
			}
		}()
	}
	close(start)
	wg.Wait()

	note := fmt.Sprintf("dispatched=%d errors=%d", dispatched, failed)
	if dispatched != 1 {
		return Result{Status: "FAIL", Note: note}
	}
	return Result{Status: "PASS", Note: note}
}

func perfLoad(ctx context.Context, r *Runner) Result {
	end := time.Now().Add(r.cfg.Duration)
	var (
		count    int64
		errCount int64
		mu       sync.Mutex
		wg       sync.WaitGroup
	)
	for i := 0; i < r.cfg.Concurrency; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			uid := r.user(fmt.Sprintf("load-%d", i))
			// One pool per worker so load requests wait instead of matching each other.
			order := map[string]any{"restaurant": r.cfg.Restaurant, "location": uid, "time": "11:59pm"}
			for time.Now().Before(end) {
				c1, _, _, err1 := r.call(ctx, http.MethodPost, "/api/requests", order, uid)
				c2, _, _, err2 := r.call(ctx, http.MethodPost, "/api/cancellations", nil, uid)
				mu.Lock()
				if err1 != nil || err2 != nil || c1 >= 500 || c2 >= 500 {
					errCount++
				} else {
					count += 2
				}
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	if count == 0 {
		return Result{Status: "FAIL", Note: "no requests completed"}
	}
	rps := float64(count) / r.cfg.Duration.Seconds()
	return Result{Status: "PASS", Note: fmt.Sprintf("rps=%.1f errors=%d", rps, errCount)}
}

func extractTables(path string) ([]string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	re := regexp.MustCompile(`(?i)create\s+table\s+if\s+not\s+exists\s+([a-zA-Z0-9_]+)`)
	matches := re.FindAllStringSubmatch(string(b), -1)
	tables := make([]string, 0, len(matches))
	for _, m := range matches {
		tables = append(tables, m[1])
	}
	return tables, nil
}

func splitSQL(sql string) []string {
	lines := strings.Split(sql, "\n")
	filtered := make([]string, 0, len(lines))
	for _, line := range lines {
		l := strings.TrimSpace(line)
		if strings.HasPrefix(l, "--") || l == "" {
			continue
		}
		filtered = append(filtered, line)
	}
	parts := strings.Split(strings.Join(filtered, "\n"), ";")
	stmts := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			stmts = append(stmts, s)
		}
	}
	return stmts
}
