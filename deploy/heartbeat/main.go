// Command heartbeat is a sidecar agent deployed next to one backend node.
// It probes the node's health endpoint and reports liveness into the
// orchestrator's per-family node table so the dispatcher can route around
// dead or degraded nodes.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	heartbeatReports = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "node_heartbeat_reports_total",
			Help: "Heartbeat rows written, by reported status",
		},
		[]string{"family", "status"},
	)
	probeUp = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "node_probe_up",
			Help: "Whether the local backend node answered its health probe",
		},
	)
)

func init() {
	prometheus.MustRegister(heartbeatReports, probeUp)
}

// nodeTables maps family ids onto the orchestrator's node tables.
var nodeTables = map[string]string{
	"gemini":   "gemini_nodes",
	"qwen":     "qwen_nodes",
	"deepseek": "deepseek_nodes",
	"sd":       "sd_nodes",
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

// probe checks the node's health endpoint. Connection failures mean the
// node is gone; an answering node that returns non-2xx is degraded.
func probe(nodeURL string) string {
	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get(strings.TrimRight(nodeURL, "/") + "/health")
	if err != nil {
		probeUp.Set(0)
		return "OFFLINE"
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		probeUp.Set(1)
		return "HEALTHY"
	}
	probeUp.Set(0)
	return "DEGRADED"
}

func report(ctx context.Context, pool *pgxpool.Pool, table, nodeURL, status string) error {
	q := fmt.Sprintf(`INSERT INTO %s (node_url, status, last_heartbeat, current_tasks, dispatched_tasks)
	VALUES ($1,$2,now(),0,0)
	ON CONFLICT (node_url) DO UPDATE SET status=EXCLUDED.status, last_heartbeat=EXCLUDED.last_heartbeat`, table)
	_, err := pool.Exec(ctx, q, nodeURL, status)
	return err
}

func main() {
	dbURL := os.Getenv("HEARTBEAT_DB_URL")
	if dbURL == "" {
		log.Fatal("HEARTBEAT_DB_URL is required")
	}
	nodeURL := strings.TrimRight(os.Getenv("HEARTBEAT_NODE_URL"), "/")
	if nodeURL == "" {
		log.Fatal("HEARTBEAT_NODE_URL is required")
	}
	family := getenv("HEARTBEAT_FAMILY", "gemini")
	table, ok := nodeTables[family]
	if !ok {
		log.Fatalf("unknown family %q", family)
	}
	interval, err := time.ParseDuration(getenv("HEARTBEAT_INTERVAL", "10s"))
	if err != nil || interval <= 0 {
		log.Fatalf("bad HEARTBEAT_INTERVAL: %v", err)
	}

	// The database may come up after the agent; retry the first connection.
	ctx := context.Background()
	var pool *pgxpool.Pool
	connect := func() error {
		p, err := pgxpool.New(ctx, dbURL)
		if err != nil {
			return err
		}
		if err := p.Ping(ctx); err != nil {
			p.Close()
			return err
		}
		pool = p
		return nil
	}
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 2 * time.Minute
	if err := backoff.Retry(connect, bo); err != nil {
		log.Fatalf("db connect: %v", err)
	}
	defer pool.Close()

	// Report loop
	go func() {
		for {
			status := probe(nodeURL)
			if err := report(ctx, pool, table, nodeURL, status); err != nil {
				log.Printf("heartbeat write failed: %v", err)
			} else {
				heartbeatReports.WithLabelValues(family, status).Inc()
			}
			time.Sleep(interval)
		}
	}()

	// Expose agent metrics via HTTP
	http.Handle("/metrics", promhttp.Handler())
	fmt.Println("Starting node heartbeat agent on :9100")
	log.Fatal(http.ListenAndServe(":9100", nil))
}
