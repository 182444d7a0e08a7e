package coordinator

import "expvar"

// Counters published under /debug/vars
var (
	outcomeCounts  = expvar.NewMap("gatekeeper_outcomes")
	emissionCounts = expvar.NewMap("gatekeeper_emissions")
	abandonedRuns  = expvar.NewInt("gatekeeper_abandoned_runs")
)

// emissionAlreadyDelivered counts deliveries that found their key already delivered
const emissionAlreadyDelivered = "already_delivered"

func countOutcome(o Outcome) {
	outcomeCounts.Add(string(o), 1)
}

func countEmission(status string) {
	emissionCounts.Add(status, 1)
}
