/*
Package metrics exposes the factory's observability surface: Prometheus
gauges for FactoryMetrics, a ticker-driven Collector that refreshes them
from the persistence gateway, a JSON read model for GET /api/metrics, and
the component health checker backing GET /api/status.

# Architecture

	┌──────────────── METRICS & HEALTH ────────────────┐
	│                                                    │
	│  Aggregator.FactoryMetrics(ctx)                   │
	│    → storage.Gateway.AggregateFactoryMetrics       │
	│    → fills iterationsToday from ratelimit.Limiter  │
	│    → fills dailyBudget from the configured budget  │
	│                                                    │
	│  Collector (ticker, default 15s)                  │
	│    → Aggregator.FactoryMetrics                     │
	│    → sets forge_* gauges                           │
	│    → sets forge_fleet_healthy from the spawn gate  │
	│                                                    │
	│  HealthChecker                                     │
	│    → RegisterComponent("postgres"|"redis", ...)    │
	│    → GetStatus(canSpawn) → healthy|degraded|error  │
	│                                                    │
	│  HTTP: GET /metrics (Prometheus), GET /api/status  │
	└────────────────────────────────────────────────────┘

# Usage

	agg := metrics.NewAggregator(gw, limiter, cfg.DailyBudget)
	collector := metrics.NewCollector(agg, 15*time.Second)
	collector.Start()
	defer collector.Stop()

	metrics.RegisterComponent("postgres", true, "")
	metrics.RegisterComponent("redis", true, "")

	http.Handle("/metrics", metrics.Handler())
	http.HandleFunc("/api/status", metrics.StatusHandler(limiter.CanSpawnWorker))
*/
package metrics
