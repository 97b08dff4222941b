package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"runtime"
	"sort"
	"strconv"
	"sync"
	"time"

	"workspace-im/config"
	"workspace-im/pkg/jwt"

	"github.com/google/uuid"
)

// -------------------- 进程监控 --------------------

type SystemStats struct {
	Timestamp  time.Time
	HeapAlloc  uint64
	Sys        uint64
	Goroutines int
}

type Monitor struct {
	mu       sync.Mutex
	stats    []SystemStats
	interval time.Duration
	stopChan chan struct{}
}

func NewMonitor(interval time.Duration) *Monitor {
	return &Monitor{
		stats:    make([]SystemStats, 0, 512),
		interval: interval,
		stopChan: make(chan struct{}),
	}
}

func (m *Monitor) collectStats() SystemStats {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	s := SystemStats{
		Timestamp:  time.Now(),
		HeapAlloc:  ms.HeapAlloc,
		Sys:        ms.Sys,
		Goroutines: runtime.NumGoroutine(),
	}
	m.mu.Lock()
	m.stats = append(m.stats, s)
	m.mu.Unlock()
	return s
}

func (m *Monitor) Start() {
	go func() {
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s := m.collectStats()
				fmt.Printf("[%s] 堆: %.1fMB | 系统: %.1fMB | Goroutines: %d\n",
					s.Timestamp.Format("15:04:05"),
					float64(s.HeapAlloc)/1024/1024, float64(s.Sys)/1024/1024, s.Goroutines)
			case <-m.stopChan:
				return
			}
		}
	}()
}

func (m *Monitor) Stop() { close(m.stopChan) }

func (m *Monitor) SaveToFile(filename string) error {
	f, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer f.Close()

	m.mu.Lock()
	defer m.mu.Unlock()
	_, _ = f.WriteString("Timestamp,HeapAlloc,Sys,Goroutines\n")
	for _, s := range m.stats {
		_, _ = fmt.Fprintf(f, "%s,%d,%d,%d\n", s.Timestamp.Format("2006-01-02 15:04:05"), s.HeapAlloc, s.Sys, s.Goroutines)
	}
	return nil
}

// -------------------- 统计 --------------------

type BenchStats struct {
	mu         sync.Mutex
	latencies  map[string][]time.Duration
	statuses   map[string]map[int]int
	duplicates int
	errors     int
}

func NewBenchStats() *BenchStats {
	return &BenchStats{
		latencies: make(map[string][]time.Duration),
		statuses:  make(map[string]map[int]int),
	}
}

func (s *BenchStats) Add(op string, status int, latency time.Duration, duplicate bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.errors++
		return
	}
	s.latencies[op] = append(s.latencies[op], latency)
	if s.statuses[op] == nil {
		s.statuses[op] = make(map[int]int)
	}
	s.statuses[op][status]++
	if duplicate {
		s.duplicates++
	}
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(float64(len(sorted)-1) * p)
	return sorted[idx]
}

func (s *BenchStats) Report(took time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	fmt.Println("\n=== 压测结果 ===")
	fmt.Printf("耗时: %v 网络错误: %d 幂等重放命中: %d\n", took, s.errors, s.duplicates)
	ops := make([]string, 0, len(s.latencies))
	for op := range s.latencies {
		ops = append(ops, op)
	}
	sort.Strings(ops)
	for _, op := range ops {
		lat := s.latencies[op]
		sort.Slice(lat, func(i, j int) bool { return lat[i] < lat[j] })
		var sum time.Duration
		for _, l := range lat {
			sum += l
		}
		fmt.Printf("%-8s 请求: %d 状态: %v 平均: %v p50: %v p99: %v 最大: %v QPS: %.2f\n",
			op, len(lat), s.statuses[op], sum/time.Duration(len(lat)),
			percentile(lat, 0.5), percentile(lat, 0.99), lat[len(lat)-1],
			float64(len(lat))/took.Seconds())
	}
}

// -------------------- HTTP 压测 --------------------

type envelope struct {
	Success   bool `json:"success"`
	Duplicate bool `json:"duplicate"`
}

var client = &http.Client{Timeout: 8 * time.Second}

func call(method, url, token string, body interface{}) (int, bool, error) {
	var buf io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return 0, false, err
		}
		buf = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, url, buf)
	if err != nil {
		return 0, false, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return 0, false, err
	}
	defer resp.Body.Close()
	var env envelope
	_ = json.NewDecoder(resp.Body).Decode(&env)
	return resp.StatusCode, env.Duplicate, nil
}

// runBench 每个协程扮演一个用户，轮流给其他用户发消息并翻页
// 每 replayEvery 次发送重放一次上一条的 clientMessageId
func runBench(base string, tokens []string, userIDs []string, perGoroutine, replayEvery int) {
	fmt.Println("\n=== 私信接口并发测试开始 ===")
	fmt.Printf("目标: %s 用户: %d 每协程请求: %d\n", base, len(userIDs), perGoroutine)

	stats := NewBenchStats()
	var wg sync.WaitGroup
	start := time.Now()

	for i := range userIDs {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			token := tokens[id]
			lastClientID := ""
			for j := 0; j < perGoroutine; j++ {
				peer := userIDs[(id+1+j%(len(userIDs)-1))%len(userIDs)]

				clientID := uuid.NewString()
				if replayEvery > 0 && j%replayEvery == replayEvery-1 && lastClientID != "" {
					clientID = lastClientID
				}
				lastClientID = clientID

				t0 := time.Now()
				code, dup, err := call(http.MethodPost, base+"/api/v1/messages/"+peer, token, map[string]string{
					"content":         fmt.Sprintf("bench %d-%d @%s", id, j, peer),
					"clientMessageId": clientID,
				})
				stats.Add("send", code, time.Since(t0), dup, err)

				t0 = time.Now()
				code, _, err = call(http.MethodGet, base+"/api/v1/messages/"+peer+"?limit=20", token, nil)
				stats.Add("list", code, time.Since(t0), false, err)
			}
		}(i)
	}

	wg.Wait()
	stats.Report(time.Since(start))
}

// -------------------- 入口 --------------------

func intArg(i, def int) int {
	if len(os.Args) > i {
		if v, err := strconv.Atoi(os.Args[i]); err == nil && v > 0 {
			return v
		}
	}
	return def
}

func main() {
	users := intArg(1, 5)
	perGoroutine := intArg(2, 20)
	replayEvery := intArg(3, 5)
	if users < 2 {
		users = 2
	}

	baseURL := os.Getenv("BENCH_BASE_URL")
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}
	workspace := os.Getenv("BENCH_WORKSPACE")
	if workspace == "" {
		workspace = "bench"
	}

	// 用服务端同一份配置签发令牌，成员由 EnsureMember 中间件在首次请求时写入目录
	cfg := config.LoadConfig()
	jwtSvc := jwt.NewJWTService(cfg.JWT)
	userIDs := make([]string, 0, users)
	tokens := make([]string, 0, users)
	for i := 0; i < users; i++ {
		id := fmt.Sprintf("bench-user-%d", i)
		tok, err := jwtSvc.GenerateToken(jwt.Identity{UserID: id, WorkspaceID: workspace, Username: id, Role: "member"})
		if err != nil {
			fmt.Println("签发令牌失败:", err)
			os.Exit(1)
		}
		userIDs = append(userIDs, id)
		tokens = append(tokens, tok)
	}
	// 先让每个用户访问一次，确保成员目录中存在
	for _, tok := range tokens {
		_, _, _ = call(http.MethodGet, baseURL+"/api/v1/conversations", tok, nil)
	}

	fmt.Println("=== 工作区私信压测 ===")
	fmt.Printf("开始时间: %s\n", time.Now().Format("2006-01-02 15:04:05"))

	mon := NewMonitor(1 * time.Second)
	mon.Start()
	runBench(baseURL, tokens, userIDs, perGoroutine, replayEvery)
	mon.Stop()

	if err := mon.SaveToFile("bench_monitor.csv"); err != nil {
		fmt.Println("保存监控数据失败:", err)
	} else {
		fmt.Println("监控数据已保存: bench_monitor.csv")
	}
	fmt.Println("\n=== 测试完成 ===")
}
