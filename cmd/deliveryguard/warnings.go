package main

import (
	"log"

	"github.com/djlord-it/deliveryguard/internal/config"
)

// logConfigWarnings flags configurations that run but lose guarantees.
func logConfigWarnings(cfg *config.Config) {
	if !cfg.ReconcileEnabled {
		log.Println("WARNING [P0]: RECONCILE_ENABLED=false; IN_PROGRESS instances whose ack never arrives stay there and are never moved to IN_DOUBT")
	}
	if cfg.StoreBackend == config.BackendMemory {
		log.Println("WARNING [P0]: STORE_BACKEND=memory; delivery history is lost on restart")
	}
	if !cfg.MetricsEnabled {
		log.Println("WARNING [P1]: METRICS_ENABLED=false; in-doubt backlog and dispatch failures are not observable")
	}
	if cfg.CircuitBreakerThreshold == 0 {
		log.Println("INFO: CIRCUIT_BREAKER_THRESHOLD=0; failing targets are dispatched to without backing off")
	}
	if cfg.InDoubtMaxDwell == 0 {
		log.Println("INFO: IN_DOUBT_MAX_DWELL=0; in-doubt instances are never escalated")
	}
	if cfg.StoreBackend == config.BackendPostgres && cfg.ReconcileEnabled {
		log.Printf("INFO: reconciler runs under leader election (lock key %d); only one replica reconciles at a time", cfg.LeaderLockKey)
	}
}
