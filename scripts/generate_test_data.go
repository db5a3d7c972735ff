// Package main generates sample ingestion payloads for local testing.
// Output is a JSON document with services, dependencies, and a batch of
// risk-signal events ready to POST against a running server.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"time"

	"github.com/google/uuid"
)

type sampleService struct {
	ID          uuid.UUID `json:"id"`
	Name        string    `json:"name"`
	Criticality string    `json:"criticality"`
}

type sampleDependency struct {
	ServiceID      uuid.UUID `json:"service_id"`
	DependsOn      uuid.UUID `json:"depends_on_service_id"`
	DependencyType string    `json:"dependency_type"`
	Criticality    string    `json:"criticality"`
}

type sampleEvent struct {
	Type       string                 `json:"type"`
	Source     string                 `json:"source"`
	ServiceID  uuid.UUID              `json:"service_id"`
	Priority   string                 `json:"priority"`
	Payload    map[string]interface{} `json:"payload"`
	OccurredAt time.Time              `json:"occurred_at"`
}

type fixture struct {
	Services     []sampleService    `json:"services"`
	Dependencies []sampleDependency `json:"dependencies"`
	Events       []sampleEvent      `json:"events"`
}

var serviceNames = []string{
	"payments-gateway", "customer-identity", "order-ledger", "fraud-screening",
	"notification-relay", "billing-engine", "inventory-sync", "audit-archive",
	"partner-api", "reporting-warehouse",
}

var threatActors = []string{"FIN7", "APT29", "LAPSUS$", "Scattered Spider"}
var techniques = []string{"T1486", "T1059", "T1110", "T1078", "T1567"}
var criticalities = []string{"critical", "high", "medium", "low"}

func main() {
	var (
		eventCount = flag.Int("events", 50, "number of risk-signal events to generate")
		seed       = flag.Int64("seed", 42, "random seed for reproducible fixtures")
		out        = flag.String("out", "", "output file (default stdout)")
	)
	flag.Parse()

	rng := rand.New(rand.NewSource(*seed))

	services := make([]sampleService, len(serviceNames))
	for i, name := range serviceNames {
		services[i] = sampleService{
			ID:          uuid.New(),
			Name:        name,
			Criticality: criticalities[rng.Intn(len(criticalities))],
		}
	}
	// The first two anchor the blast-radius scenarios
	services[0].Criticality = "critical"
	services[1].Criticality = "high"

	// Build a layered graph: later services depend on earlier ones, so
	// cascades flow backwards through the list without trivial cycles.
	var deps []sampleDependency
	for i := 2; i < len(services); i++ {
		n := 1 + rng.Intn(2)
		for j := 0; j < n; j++ {
			target := rng.Intn(i)
			deps = append(deps, sampleDependency{
				ServiceID:      services[i].ID,
				DependsOn:      services[target].ID,
				DependencyType: []string{"functional", "data", "infrastructure"}[rng.Intn(3)],
				Criticality:    criticalities[rng.Intn(len(criticalities))],
			})
		}
	}

	events := make([]sampleEvent, 0, *eventCount)
	now := time.Now()
	for i := 0; i < *eventCount; i++ {
		svc := services[rng.Intn(len(services))]
		occurred := now.Add(-time.Duration(rng.Intn(72)) * time.Hour)

		var payload map[string]interface{}
		switch rng.Intn(4) {
		case 0:
			payload = map[string]interface{}{
				"category":            "security",
				"title":               fmt.Sprintf("Suspicious activity on %s", svc.Name),
				"severity_score":      float64(30 + rng.Intn(70)),
				"kev_match":           rng.Intn(10) == 0,
				"data_exfiltration":   rng.Intn(20) == 0,
				"indicator_count":     rng.Intn(6),
				"kill_chain_coverage": rng.Float64(),
				"threat_actors":       []string{threatActors[rng.Intn(len(threatActors))]},
				"techniques":          []string{techniques[rng.Intn(len(techniques))]},
			}
		case 1:
			payload = map[string]interface{}{
				"category":              "operational",
				"title":                 fmt.Sprintf("Repeat incident on %s", svc.Name),
				"recurrence_count":      rng.Intn(5),
				"failed_change":         rng.Intn(4) == 0,
				"business_impact_hours": float64(rng.Intn(8)),
				"impact_score":          float64(20 + rng.Intn(60)),
			}
		case 2:
			payload = map[string]interface{}{
				"category":         "compliance",
				"title":            fmt.Sprintf("Control gap on %s", svc.Name),
				"coverage_gap_pct": float64(rng.Intn(50)),
				"regulatory_risk":  rng.Intn(3) == 0,
				"control_disabled": rng.Intn(10) == 0,
				"critical_asset":   svc.Criticality == "critical",
				"framework":        []string{"SOC2", "PCI-DSS", "ISO27001"}[rng.Intn(3)],
				"impact_score":     float64(20 + rng.Intn(60)),
			}
		default:
			payload = map[string]interface{}{
				"category":             "strategic",
				"title":                fmt.Sprintf("Vendor exposure affecting %s", svc.Name),
				"vendor_breach":        rng.Intn(5) == 0,
				"regulatory_mandate":   rng.Intn(5) == 0,
				"financial_impact_usd": float64(rng.Intn(5_000_000)),
				"timeline_days":        30 + rng.Intn(300),
				"impact_score":         float64(20 + rng.Intn(60)),
			}
		}

		events = append(events, sampleEvent{
			Type:       "risk_signal",
			Source:     []string{"edr", "siem", "grc", "vendor-watch"}[rng.Intn(4)],
			ServiceID:  svc.ID,
			Priority:   []string{"critical", "high", "medium", "low"}[rng.Intn(4)],
			Payload:    payload,
			OccurredAt: occurred,
		})
	}

	doc := fixture{Services: services, Dependencies: deps, Events: events}

	w := os.Stdout
	if *out != "" {
		f, err := os.Create(*out)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error creating output file: %v\n", err)
			os.Exit(1)
		}
		defer f.Close()
		w = f
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(doc); err != nil {
		fmt.Fprintf(os.Stderr, "Error encoding fixture: %v\n", err)
		os.Exit(1)
	}

	fmt.Fprintf(os.Stderr, "Generated %d services, %d dependencies, %d events\n",
		len(services), len(deps), len(events))
}
