package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"math"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/schollz/progressbar/v3"
)

// Config 压测配置
type Config struct {
	Mode         string        // connect-only, query
	Target       string        // WebSocket URL
	Conns        int           // 总连接数
	Duration     time.Duration // 压测持续时间
	Ramp         time.Duration // 爬坡时间
	PingInterval time.Duration // 应用层心跳间隔
	QueryRate    int           // 每连接每分钟状态查询数（query 模式）
	QueryBatch   int           // 每次查询的用户数
	ClientType   string        // 连接声明的客户端类型
	BaseUserID   uint64        // 压测用户起始 ID
	Output       string        // 输出格式：text, json
	Verbose      bool          // 详细输出
}

// Stats 统计数据
type Stats struct {
	mu sync.RWMutex

	TotalAttempts int64 `json:"total_attempts"`
	SuccessConns  int64 `json:"success_conns"`
	FailedConns   int64 `json:"failed_conns"`
	CurrentConns  int64 `json:"current_conns"`
	Disconnects   int64 `json:"disconnects"`

	// 延迟统计（纳秒）
	ConnLatencies []int64 `json:"-"`
	PingLatencies []int64 `json:"-"`

	QueriesSent   int64 `json:"queries_sent"`
	QueryResps    int64 `json:"query_resps"`
	PingsSent     int64 `json:"pings_sent"`
	PongsReceived int64 `json:"pongs_received"`
	Kicked        int64 `json:"kicked"`

	Errors map[string]int64 `json:"errors"`

	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`
}

// Result 压测结果
type Result struct {
	Config Config `json:"config"`

	TotalAttempts int64   `json:"total_attempts"`
	SuccessConns  int64   `json:"success_conns"`
	FailedConns   int64   `json:"failed_conns"`
	SuccessRate   float64 `json:"success_rate_percent"`
	Disconnects   int64   `json:"disconnects"`
	FinalConns    int64   `json:"final_conns"`

	ConnLatency LatencyStats `json:"conn_latency_ms"`
	PingLatency LatencyStats `json:"ping_latency_ms,omitempty"`

	QueriesSent   int64   `json:"queries_sent"`
	QueryResps    int64   `json:"query_resps"`
	PingsSent     int64   `json:"pings_sent"`
	PongsReceived int64   `json:"pongs_received"`
	PongRate      float64 `json:"pong_rate_percent"`
	Kicked        int64   `json:"kicked"`

	Errors map[string]int64 `json:"errors"`

	Duration   time.Duration `json:"duration_seconds"`
	ActualTime float64       `json:"actual_time_seconds"`
}

// LatencyStats 延迟统计
type LatencyStats struct {
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	Avg    float64 `json:"avg"`
	P50    float64 `json:"p50"`
	P90    float64 `json:"p90"`
	P95    float64 `json:"p95"`
	P99    float64 `json:"p99"`
	StdDev float64 `json:"std_dev"`
}

// wsMessage 与服务端约定的消息信封
type wsMessage struct {
	Type string          `json:"type"`
	ID   string          `json:"id,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
	Ts   int64           `json:"ts,omitempty"`
}

// Conn 一条压测连接
type Conn struct {
	id        int
	conn      *websocket.Conn
	userID    uint64
	connected bool
	mu        sync.Mutex

	// 在途 ping：消息 ID -> 发出时刻，pong 回来后算延迟
	inflight sync.Map
}

func main() {
	cfg := parseFlags()

	fmt.Println("=== wsbench - 集群路由服务压测工具 ===")
	fmt.Printf("模式: %s\n", cfg.Mode)
	fmt.Printf("目标: %s\n", cfg.Target)
	fmt.Printf("连接数: %d\n", cfg.Conns)
	fmt.Printf("持续时间: %s\n", cfg.Duration)
	fmt.Printf("爬坡时间: %s\n", cfg.Ramp)
	fmt.Printf("心跳间隔: %s\n", cfg.PingInterval)
	fmt.Println()

	stats := &Stats{
		Errors:    make(map[string]int64),
		StartTime: time.Now(),
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Println("\n收到中断信号，正在关闭...")
		cancel()
	}()

	runBench(ctx, cfg, stats)

	stats.EndTime = time.Now()

	result := generateResult(cfg, stats)

	switch cfg.Output {
	case "json":
		outputJSON(result)
	default:
		outputText(result)
	}
}

func parseFlags() Config {
	cfg := Config{}

	flag.StringVar(&cfg.Mode, "mode", "connect-only", "压测模式: connect-only, query")
	flag.StringVar(&cfg.Target, "target", "ws://localhost:8084/ws", "WebSocket URL")
	flag.IntVar(&cfg.Conns, "conns", 1000, "总连接数")
	flag.DurationVar(&cfg.Duration, "duration", 5*time.Minute, "压测持续时间")
	flag.DurationVar(&cfg.Ramp, "ramp", 1*time.Minute, "爬坡时间")
	flag.DurationVar(&cfg.PingInterval, "ping-interval", 30*time.Second, "应用层心跳间隔")
	flag.IntVar(&cfg.QueryRate, "query-rate", 10, "每连接每分钟状态查询数（query 模式）")
	flag.IntVar(&cfg.QueryBatch, "query-batch", 20, "每次查询的用户数")
	flag.StringVar(&cfg.ClientType, "client-type", "web", "客户端类型: windows, mac, ios, android, web")
	flag.Uint64Var(&cfg.BaseUserID, "base-user-id", 100000, "压测用户起始 ID")
	flag.StringVar(&cfg.Output, "output", "text", "输出格式: text, json")
	flag.BoolVar(&cfg.Verbose, "verbose", false, "详细输出")

	flag.Parse()

	return cfg
}

func runBench(ctx context.Context, cfg Config, stats *Stats) {
	var wg sync.WaitGroup
	connCh := make(chan *Conn, cfg.Conns)

	connsPerSecond := float64(cfg.Conns) / cfg.Ramp.Seconds()
	if connsPerSecond < 1 {
		connsPerSecond = 1
	}

	fmt.Printf("爬坡速率: %.1f 连接/秒\n\n", connsPerSecond)

	bar := progressbar.NewOptions(cfg.Conns,
		progressbar.OptionSetDescription("建立连接"),
		progressbar.OptionSetWidth(40),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("conn"),
	)

	ticker := time.NewTicker(time.Duration(float64(time.Second) / connsPerSecond))
	defer ticker.Stop()

	connID := 0
	rampDone := false

	for !rampDone {
		select {
		case <-ctx.Done():
			rampDone = true
		case <-ticker.C:
			if connID >= cfg.Conns {
				rampDone = true
				continue
			}

			wg.Add(1)
			go func(id int) {
				defer wg.Done()
				conn := createConnection(ctx, id, cfg, stats)
				if conn != nil {
					select {
					case connCh <- conn:
					case <-ctx.Done():
						conn.conn.Close()
					}
				}
				bar.Add(1)
			}(connID)
			connID++
		}
	}

	bar.Finish()
	fmt.Println()

	wg.Wait()

	close(connCh)
	var conns []*Conn
	for c := range connCh {
		conns = append(conns, c)
	}

	fmt.Printf("成功建立 %d 个连接\n", len(conns))

	if len(conns) == 0 {
		fmt.Println("没有成功建立的连接，退出")
		return
	}

	elapsed := time.Since(stats.StartTime)
	remainingDuration := cfg.Duration - elapsed
	if remainingDuration <= 0 {
		remainingDuration = time.Minute
	}

	fmt.Printf("维持连接 %s...\n\n", remainingDuration)

	var connWg sync.WaitGroup
	for _, c := range conns {
		connWg.Add(1)
		go func(c *Conn) {
			defer connWg.Done()
			runConnection(ctx, c, cfg, stats, remainingDuration)
		}(c)
	}

	reportTicker := time.NewTicker(10 * time.Second)
	defer reportTicker.Stop()

	done := make(chan struct{})
	go func() {
		connWg.Wait()
		close(done)
	}()

	timeout := time.After(remainingDuration)

	for {
		select {
		case <-ctx.Done():
			fmt.Println("收到中断信号，等待连接关闭...")
			connWg.Wait()
			return
		case <-timeout:
			fmt.Println("压测时间到，关闭连接...")
			for _, c := range conns {
				c.mu.Lock()
				if c.conn != nil {
					c.conn.Close()
				}
				c.mu.Unlock()
			}
			connWg.Wait()
			return
		case <-done:
			return
		case <-reportTicker.C:
			printProgress(stats)
		}
	}
}

func createConnection(ctx context.Context, id int, cfg Config, stats *Stats) *Conn {
	atomic.AddInt64(&stats.TotalAttempts, 1)

	start := time.Now()

	userID := cfg.BaseUserID + uint64(id)
	url := fmt.Sprintf("%s?user_id=%d&client_type=%s", cfg.Target, userID, cfg.ClientType)

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
		ReadBufferSize:   4096,
		WriteBufferSize:  4096,
	}

	ws, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		atomic.AddInt64(&stats.FailedConns, 1)
		stats.mu.Lock()
		errStr := err.Error()
		if len(errStr) > 50 {
			errStr = errStr[:50]
		}
		stats.Errors[errStr]++
		stats.mu.Unlock()

		if cfg.Verbose {
			fmt.Printf("连接 %d 失败: %v\n", id, err)
		}
		return nil
	}

	latency := time.Since(start).Nanoseconds()
	stats.mu.Lock()
	stats.ConnLatencies = append(stats.ConnLatencies, latency)
	stats.mu.Unlock()

	atomic.AddInt64(&stats.SuccessConns, 1)
	atomic.AddInt64(&stats.CurrentConns, 1)

	return &Conn{
		id:        id,
		conn:      ws,
		userID:    userID,
		connected: true,
	}
}

func runConnection(ctx context.Context, c *Conn, cfg Config, stats *Stats, duration time.Duration) {
	defer func() {
		c.mu.Lock()
		if c.conn != nil {
			c.conn.Close()
		}
		c.connected = false
		c.mu.Unlock()
		atomic.AddInt64(&stats.CurrentConns, -1)
	}()

	// 服务端发协议层 Ping，自动回 Pong 保活
	c.conn.SetPingHandler(func(appData string) error {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.conn == nil {
			return nil
		}
		c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		return c.conn.WriteMessage(websocket.PongMessage, []byte(appData))
	})

	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		for {
			c.mu.Lock()
			conn := c.conn
			c.mu.Unlock()

			if conn == nil {
				return
			}

			// 服务端 pongWait 是 60s，读超时放宽到 90s
			conn.SetReadDeadline(time.Now().Add(90 * time.Second))
			_, raw, err := conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					atomic.AddInt64(&stats.Disconnects, 1)
				}
				return
			}

			var msg wsMessage
			if json.Unmarshal(raw, &msg) != nil {
				continue
			}

			switch msg.Type {
			case "pong":
				atomic.AddInt64(&stats.PongsReceived, 1)
				if sentAt, ok := c.inflight.LoadAndDelete(msg.ID); ok {
					lat := time.Since(sentAt.(time.Time)).Nanoseconds()
					stats.mu.Lock()
					stats.PingLatencies = append(stats.PingLatencies, lat)
					stats.mu.Unlock()
				}
			case "query_resp":
				atomic.AddInt64(&stats.QueryResps, 1)
			case "":
				// 集群投递的原始信封，识别踢下线通知
				var envelope struct {
					Header struct {
						ServiceID uint16 `json:"service_id"`
						CommandID uint16 `json:"command_id"`
					} `json:"header"`
				}
				if json.Unmarshal(raw, &envelope) == nil &&
					envelope.Header.ServiceID == 1 && envelope.Header.CommandID == 0x0105 {
					atomic.AddInt64(&stats.Kicked, 1)
				}
			}
		}
	}()

	pingTicker := time.NewTicker(cfg.PingInterval)
	defer pingTicker.Stop()

	var queryTicker *time.Ticker
	if cfg.Mode == "query" && cfg.QueryRate > 0 {
		interval := time.Minute / time.Duration(cfg.QueryRate)
		queryTicker = time.NewTicker(interval)
		defer queryTicker.Stop()
	}

	timeout := time.After(duration)

	for {
		select {
		case <-ctx.Done():
			return
		case <-timeout:
			return
		case <-readDone:
			return
		case <-pingTicker.C:
			sendPing(c, stats)
		default:
			if queryTicker != nil {
				select {
				case <-queryTicker.C:
					sendQuery(c, cfg, stats)
				default:
				}
			}
			time.Sleep(100 * time.Millisecond)
		}
	}
}

func sendPing(c *Conn, stats *Stats) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil || !c.connected {
		return
	}

	id := strconv.FormatInt(time.Now().UnixNano(), 36)
	msg := wsMessage{Type: "ping", ID: id, Ts: time.Now().UnixMilli()}
	data, _ := json.Marshal(msg)

	c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		stats.mu.Lock()
		stats.Errors["ping_failed"]++
		stats.mu.Unlock()
		return
	}

	c.inflight.Store(id, time.Now())
	atomic.AddInt64(&stats.PingsSent, 1)
}

func sendQuery(c *Conn, cfg Config, stats *Stats) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil || !c.connected {
		return
	}

	// 查询相邻的一批压测用户，命中在线与离线两种路径
	userIDs := make([]uint64, 0, cfg.QueryBatch)
	for i := 0; i < cfg.QueryBatch; i++ {
		userIDs = append(userIDs, cfg.BaseUserID+uint64((c.id+i)%cfg.Conns))
	}
	payload, _ := json.Marshal(map[string][]uint64{"user_ids": userIDs})

	msg := wsMessage{
		Type: "query_status",
		ID:   fmt.Sprintf("%d-%d", c.id, time.Now().UnixNano()),
		Data: payload,
		Ts:   time.Now().UnixMilli(),
	}
	data, _ := json.Marshal(msg)

	c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		stats.mu.Lock()
		stats.Errors["query_failed"]++
		stats.mu.Unlock()
		return
	}

	atomic.AddInt64(&stats.QueriesSent, 1)
}

func printProgress(stats *Stats) {
	current := atomic.LoadInt64(&stats.CurrentConns)
	success := atomic.LoadInt64(&stats.SuccessConns)
	failed := atomic.LoadInt64(&stats.FailedConns)
	disconnects := atomic.LoadInt64(&stats.Disconnects)
	pings := atomic.LoadInt64(&stats.PingsSent)
	pongs := atomic.LoadInt64(&stats.PongsReceived)

	elapsed := time.Since(stats.StartTime)
	fmt.Printf("[%s] 当前连接: %d | 成功: %d | 失败: %d | 断开: %d | Ping/Pong: %d/%d\n",
		elapsed.Round(time.Second), current, success, failed, disconnects, pings, pongs)
}

func generateResult(cfg Config, stats *Stats) Result {
	result := Result{
		Config:        cfg,
		TotalAttempts: stats.TotalAttempts,
		SuccessConns:  stats.SuccessConns,
		FailedConns:   stats.FailedConns,
		Disconnects:   stats.Disconnects,
		FinalConns:    stats.CurrentConns,
		QueriesSent:   stats.QueriesSent,
		QueryResps:    stats.QueryResps,
		PingsSent:     stats.PingsSent,
		PongsReceived: stats.PongsReceived,
		Kicked:        stats.Kicked,
		Errors:        stats.Errors,
		Duration:      cfg.Duration,
		ActualTime:    stats.EndTime.Sub(stats.StartTime).Seconds(),
	}

	if stats.TotalAttempts > 0 {
		result.SuccessRate = float64(stats.SuccessConns) / float64(stats.TotalAttempts) * 100
	}
	if stats.PingsSent > 0 {
		result.PongRate = float64(stats.PongsReceived) / float64(stats.PingsSent) * 100
	}

	result.ConnLatency = calculateLatencyStats(stats.ConnLatencies)

	if len(stats.PingLatencies) > 0 {
		result.PingLatency = calculateLatencyStats(stats.PingLatencies)
	}

	return result
}

func calculateLatencyStats(latencies []int64) LatencyStats {
	if len(latencies) == 0 {
		return LatencyStats{}
	}

	sorted := make([]int64, len(latencies))
	copy(sorted, latencies)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	toMs := func(ns int64) float64 { return float64(ns) / 1e6 }

	var sum int64
	for _, v := range sorted {
		sum += v
	}
	avg := float64(sum) / float64(len(sorted))

	var variance float64
	for _, v := range sorted {
		diff := float64(v) - avg
		variance += diff * diff
	}
	variance /= float64(len(sorted))
	stdDev := math.Sqrt(variance)

	return LatencyStats{
		Min:    toMs(sorted[0]),
		Max:    toMs(sorted[len(sorted)-1]),
		Avg:    toMs(int64(avg)),
		P50:    toMs(sorted[len(sorted)*50/100]),
		P90:    toMs(sorted[len(sorted)*90/100]),
		P95:    toMs(sorted[len(sorted)*95/100]),
		P99:    toMs(sorted[len(sorted)*99/100]),
		StdDev: toMs(int64(stdDev)),
	}
}

func outputJSON(result Result) {
	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "JSON 编码错误: %v\n", err)
		return
	}
	fmt.Println(string(data))
}

func outputText(result Result) {
	fmt.Println()
	fmt.Println("==================== 压测结果 ====================")
	fmt.Println()
	fmt.Println("--- 连接统计 ---")
	fmt.Printf("尝试连接数:     %d\n", result.TotalAttempts)
	fmt.Printf("成功连接数:     %d\n", result.SuccessConns)
	fmt.Printf("失败连接数:     %d\n", result.FailedConns)
	fmt.Printf("连接成功率:     %.2f%%\n", result.SuccessRate)
	fmt.Printf("断开连接数:     %d\n", result.Disconnects)
	fmt.Printf("挤下线数:       %d\n", result.Kicked)
	fmt.Printf("最终连接数:     %d\n", result.FinalConns)
	fmt.Println()

	fmt.Println("--- 连接延迟 (ms) ---")
	fmt.Printf("Min:    %.2f\n", result.ConnLatency.Min)
	fmt.Printf("Max:    %.2f\n", result.ConnLatency.Max)
	fmt.Printf("Avg:    %.2f\n", result.ConnLatency.Avg)
	fmt.Printf("P50:    %.2f\n", result.ConnLatency.P50)
	fmt.Printf("P90:    %.2f\n", result.ConnLatency.P90)
	fmt.Printf("P95:    %.2f\n", result.ConnLatency.P95)
	fmt.Printf("P99:    %.2f\n", result.ConnLatency.P99)
	fmt.Printf("StdDev: %.2f\n", result.ConnLatency.StdDev)
	fmt.Println()

	fmt.Println("--- 心跳往返延迟 (ms) ---")
	fmt.Printf("P50:    %.2f\n", result.PingLatency.P50)
	fmt.Printf("P95:    %.2f\n", result.PingLatency.P95)
	fmt.Printf("P99:    %.2f\n", result.PingLatency.P99)
	fmt.Println()

	if result.Config.Mode == "query" {
		fmt.Println("--- 状态查询统计 ---")
		fmt.Printf("发送查询数:     %d\n", result.QueriesSent)
		fmt.Printf("收到应答数:     %d\n", result.QueryResps)
		fmt.Println()
	}

	fmt.Println("--- 心跳统计 ---")
	fmt.Printf("发送 Ping 数:   %d\n", result.PingsSent)
	fmt.Printf("接收 Pong 数:   %d\n", result.PongsReceived)
	fmt.Printf("Pong 响应率:    %.2f%%\n", result.PongRate)
	fmt.Println()

	if len(result.Errors) > 0 {
		fmt.Println("--- 错误统计 ---")
		for err, count := range result.Errors {
			fmt.Printf("%s: %d\n", err, count)
		}
		fmt.Println()
	}

	fmt.Printf("--- 运行时间: %.2f 秒 ---\n", result.ActualTime)
	fmt.Println()
	fmt.Println("=================================================")
}
