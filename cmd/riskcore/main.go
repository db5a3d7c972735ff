// riskcore is the operator CLI: it can run the server or perform one-shot
// administrative tasks against the configured backends.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/aria5/riskcore/internal/advisory"
	"github.com/aria5/riskcore/internal/api"
	"github.com/aria5/riskcore/internal/auth"
	"github.com/aria5/riskcore/internal/config"
	"github.com/aria5/riskcore/internal/models"
	"github.com/aria5/riskcore/internal/queue"
	"github.com/aria5/riskcore/internal/scoring"
	"github.com/aria5/riskcore/internal/store"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *showVersion {
		fmt.Printf("riskcore v%s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	command := "serve"
	if args := flag.Args(); len(args) > 0 {
		command = args[0]
	}

	switch command {
	case "serve":
		err = runServer(cfg)
	case "sla":
		err = printSLA(cfg)
	case "seed-admin":
		err = seedAdmin(cfg, flag.Args()[1:])
	case "enqueue":
		err = enqueueEvent(cfg, flag.Args()[1:])
	case "rescore":
		err = rescoreService(cfg, flag.Args()[1:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown command %q (expected serve, sla, seed-admin, enqueue, or rescore)\n", command)
		os.Exit(2)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServer(cfg *config.Config) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		fmt.Println("\nShutting down...")
		cancel()
	}()

	server, err := api.NewServer(cfg)
	if err != nil {
		return fmt.Errorf("initializing server: %w", err)
	}
	return server.Run(ctx)
}

func openStore(cfg *config.Config) (*store.Store, error) {
	return store.New(store.Config{
		DSN:          cfg.Database.DSN(),
		MaxOpenConns: cfg.Database.MaxOpenConns,
		MaxIdleConns: cfg.Database.MaxIdleConns,
	})
}

// printSLA reports event-processing SLA compliance over the configured
// rolling window.
func printSLA(cfg *config.Config) error {
	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	m, err := st.GetSLAMetrics(ctx, cfg.Batch.SLAWindow, cfg.Batch.SLATarget)
	if err != nil {
		return fmt.Errorf("loading SLA metrics: %w", err)
	}

	fmt.Printf("Window:          %s\n", cfg.Batch.SLAWindow)
	fmt.Printf("Target:          %s\n", cfg.Batch.SLATarget)
	fmt.Printf("Events:          %d\n", m.TotalEvents)
	fmt.Printf("Within target:   %d\n", m.WithinTarget)
	fmt.Printf("Compliance rate: %.1f%%\n", m.ComplianceRate)
	return nil
}

// seedAdmin creates the first admin user so the API is usable on a fresh
// deployment.
func seedAdmin(cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("seed-admin", flag.ExitOnError)
	email := fs.String("email", "", "Admin email address")
	password := fs.String("password", "", "Admin password")
	name := fs.String("name", "Administrator", "Display name")
	tenant := fs.String("tenant", "default", "Tenant id")
	fs.Parse(args)

	if *email == "" || *password == "" {
		return fmt.Errorf("both -email and -password are required")
	}

	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	hash, err := auth.HashPassword(*password)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	user := &auth.User{
		Email:    *email,
		Name:     *name,
		Password: hash,
		Role:     auth.RoleAdmin,
		TenantID: *tenant,
	}
	if err := auth.NewPostgresUserStore(st.DB()).CreateUser(ctx, user); err != nil {
		return fmt.Errorf("creating admin user: %w", err)
	}

	fmt.Printf("Created admin user %s (%s)\n", user.Email, user.ID)
	return nil
}

// rescoreService recomputes one service's composite score using the offline
// rule predictor, so operators can force a refresh without the API.
func rescoreService(cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("rescore", flag.ExitOnError)
	serviceID := fs.String("service", "", "Service id to rescore")
	fs.Parse(args)

	id, err := uuid.Parse(*serviceID)
	if err != nil {
		return fmt.Errorf("-service must be a valid service id: %w", err)
	}

	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	engine := scoring.NewEngine(st, advisory.NewRulePredictor(), nil)
	res, err := engine.Recompute(ctx, id)
	if err != nil {
		return fmt.Errorf("rescoring service: %w", err)
	}

	fmt.Printf("Service:  %s (%s)\n", res.Service.Name, res.Service.ID)
	fmt.Printf("Score:    %.1f (was %.1f, trend %s)\n", res.Score, res.PreviousScore, res.Trend)
	fmt.Printf("Factors:  cia=%.1f dependency=%.1f correlation=%.1f business=%.1f technical=%.1f historical=%.1f\n",
		res.Factors.CIA, res.Factors.Dependency, res.Factors.Correlation,
		res.Factors.Business, res.Factors.Technical, res.Factors.Historical)
	return nil
}

// enqueueEvent injects one event from a JSON file, persisting it and
// mirroring it into the priority queue exactly as the ingest endpoint does.
func enqueueEvent(cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("enqueue", flag.ExitOnError)
	file := fs.String("file", "", "JSON file with the event body")
	fs.Parse(args)

	if *file == "" {
		return fmt.Errorf("-file is required")
	}

	data, err := os.ReadFile(*file)
	if err != nil {
		return fmt.Errorf("reading event file: %w", err)
	}

	var body struct {
		Type       string       `json:"type"`
		Source     string       `json:"source"`
		ServiceID  *uuid.UUID   `json:"service_id,omitempty"`
		Priority   string       `json:"priority"`
		Payload    models.JSONB `json:"payload"`
		OccurredAt *time.Time   `json:"occurred_at,omitempty"`
	}
	if err := json.Unmarshal(data, &body); err != nil {
		return fmt.Errorf("parsing event file: %w", err)
	}

	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	q, err := queue.New(queue.Config{
		Addr:     cfg.Redis.Addr(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err != nil {
		return fmt.Errorf("connecting to redis: %w", err)
	}
	defer q.Close()

	event := &models.Event{
		Type:      models.EventType(body.Type),
		Source:    body.Source,
		ServiceID: body.ServiceID,
		Priority:  models.EventPriority(body.Priority),
		Payload:   body.Payload,
	}
	if body.OccurredAt != nil {
		event.OccurredAt = *body.OccurredAt
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := st.CreateEvent(ctx, event); err != nil {
		return fmt.Errorf("persisting event: %w", err)
	}
	if err := q.Enqueue(ctx, event); err != nil {
		return fmt.Errorf("enqueuing event: %w", err)
	}

	fmt.Printf("Enqueued event %s (%s, priority %s)\n", event.ID, event.Type, event.Priority)
	return nil
}
