// aggregate-client creates (or resumes) a record and polls every slot to
// completion. Job handles are kept in AGG_STATE_FILE so a restarted client
// resumes polling instead of submitting again.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"aggregator/internal/client"
	"aggregator/internal/config"
)

type clientConfig struct {
	APIURL          string
	APIKey          string
	Principal       string
	PrincipalHeader string
	StateFile       string
	RecordID        string
	Slots           int
	Params          string
	PollInterval    time.Duration
	MaxAttempts     int
	MaxResubmits    int
}

func loadClientConfig() clientConfig {
	return clientConfig{
		APIURL:          config.GetEnv("AGG_API_URL", "http://localhost:8080"),
		APIKey:          config.GetEnv("AGG_API_KEY", ""),
		Principal:       config.GetEnv("AGG_PRINCIPAL", ""),
		PrincipalHeader: config.GetEnv("AGG_PRINCIPAL_HEADER", "X-Principal-ID"),
		StateFile:       config.GetEnv("AGG_STATE_FILE", "aggregate-client.json"),
		RecordID:        config.GetEnv("AGG_RECORD_ID", ""),
		Slots:           config.GetIntEnv("AGG_SLOTS", 4),
		Params:          config.GetEnv("AGG_PARAMS", "{}"),
		PollInterval:    config.GetDurationEnv("AGG_POLL_INTERVAL", 2*time.Second),
		MaxAttempts:     config.GetIntEnv("AGG_MAX_ATTEMPTS", 150),
		MaxResubmits:    config.GetIntEnv("AGG_MAX_RESUBMITS", 1),
	}
}

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, nil)))

	if err := run(); err != nil {
		slog.Error("Client failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := loadClientConfig()

	params := json.RawMessage(cfg.Params)
	if !json.Valid(params) {
		return errors.New("AGG_PARAMS must be valid JSON")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	opts := []client.Option{client.WithAPIKey(cfg.APIKey)}
	if cfg.Principal != "" {
		opts = append(opts, client.WithPrincipal(cfg.PrincipalHeader, cfg.Principal))
	}
	c := client.New(cfg.APIURL, opts...)

	recordID := cfg.RecordID
	if recordID == "" {
		rec, err := c.CreateRecord(ctx, "", cfg.Slots)
		if err != nil {
			return fmt.Errorf("create record: %w", err)
		}
		recordID = rec.ID
		slog.Info("Created record", "recordId", recordID, "slotCount", rec.SlotCount)
		// Printed so the caller can resume with AGG_RECORD_ID.
		fmt.Println(recordID)
	}

	poller := client.NewPoller(c, client.NewFileHandleStore(cfg.StateFile), client.PollerConfig{
		Interval:     cfg.PollInterval,
		MaxAttempts:  cfg.MaxAttempts,
		MaxResubmits: cfg.MaxResubmits,
		Observer: func(ev client.Event) {
			attrs := []any{"event", ev.Kind, "slot", ev.Slot, "jobHandleId", ev.HandleID}
			if ev.URL != "" {
				attrs = append(attrs, "url", ev.URL)
			}
			if ev.Err != nil {
				attrs = append(attrs, "error", ev.Err)
			}
			slog.Info("Slot event", attrs...)
		},
	})

	report, err := poller.Run(ctx, recordID, func(int) (json.RawMessage, error) { return params, nil })
	if err != nil {
		if errors.Is(err, context.Canceled) {
			slog.Info("Interrupted; rerun with AGG_RECORD_ID to resume", "recordId", recordID, "stateFile", cfg.StateFile)
		}
		return err
	}

	slog.Info("Record summary",
		"recordId", report.RecordID,
		"filled", report.Filled,
		"slotCount", report.SlotCount,
		"completed", report.Completed,
		"failed", report.Failed,
		"stalled", report.Stalled,
	)
	if !report.Completed {
		return fmt.Errorf("record %s incomplete: %d of %d slots filled", report.RecordID, report.Filled, report.SlotCount)
	}
	return nil
}
