package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/haydenbarnes/convo-sync/internal/config"
	"github.com/haydenbarnes/convo-sync/internal/convo"
	errs "github.com/haydenbarnes/convo-sync/internal/errors"
	"github.com/haydenbarnes/convo-sync/internal/logging"
	"github.com/haydenbarnes/convo-sync/internal/stats"
	"github.com/haydenbarnes/convo-sync/internal/store"
)

var Version = "dev"

// statsInterval is how often the event outcome counters are logged.
const statsInterval = 5 * time.Minute

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment)
	logger.Info("convo-sync starting",
		slog.String("version", Version),
		slog.String("self", cfg.SelfUserID),
		slog.Bool("team_account", cfg.TeamID != ""),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	policy, err := convo.LoadAccessPolicy(cfg.AccessPolicyFile)
	if err != nil {
		return fmt.Errorf("loading access policy: %w", err)
	}

	client := convo.NewClient(cfg.APIBaseURL, cfg.AuthToken, nil)
	users := convo.NewSyncer(st, client, logger).WithStaleAfter(cfg.UserStaleAfter)
	resolver := convo.NewResolver(st, cfg.SelfUserID)
	merger := convo.NewMerger(st, resolver, users, cfg.SelfUserID, cfg.TeamID, logger)
	collector := stats.NewCollector()
	processor := convo.NewProcessor(st, client, merger, users, nil, collector, cfg.SelfUserID, logger)
	access := convo.NewAccessController(st, client, nil, policy, cfg.TeamID, logger)

	logger.Info("running initial conversation sync")

	snaps, err := client.ListConversations(ctx)
	if err != nil {
		return fmt.Errorf("listing conversations: %w", err)
	}

	result, err := merger.MergeAll(ctx, snaps)
	if err != nil {
		return fmt.Errorf("merging initial snapshots: %w", err)
	}

	logger.Info("initial sync complete",
		slog.Int("conversations", len(result.All)),
		slog.Int("new", len(result.Created)),
	)

	events := make(chan convo.Event, 64)
	stream := convo.NewStream(convo.DefaultDialer(cfg.WSURL, cfg.AuthToken), logger)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return stream.Listen(gctx, events)
	})

	g.Go(func() error {
		return processor.Run(gctx, events)
	})

	g.Go(func() error {
		return logStats(gctx, collector, logger)
	})

	if cfg.AdminListenAddr != "" {
		g.Go(func() error {
			return runAdmin(gctx, cfg.AdminListenAddr, access, collector, logger)
		})
	}

	return g.Wait()
}

// logStats periodically reports event outcome counters.
func logStats(ctx context.Context, collector *stats.Collector, logger *slog.Logger) error {
	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			var applied, retried, abandoned int64

			for _, outcomes := range collector.Snapshot() {
				applied += outcomes[stats.OutcomeApplied]
				retried += outcomes[stats.OutcomeRetried]
				abandoned += outcomes[stats.OutcomeAbandoned]
			}

			logger.Info("event totals",
				slog.Int64("applied", applied),
				slog.Int64("retried", retried),
				slog.Int64("abandoned", abandoned),
			)
		}
	}
}

// runAdmin serves the local admin API: access-mode changes, link
// management and stats readout.
func runAdmin(ctx context.Context, addr string, access *convo.AccessController, collector *stats.Collector, logger *slog.Logger) error {
	mux := http.NewServeMux()

	mux.HandleFunc("PUT /conversations/{id}/access", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			TeamOnly bool `json:"team_only"`
		}

		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, "invalid body", http.StatusBadRequest)
			return
		}

		if err := access.SetAccessMode(r.Context(), r.PathValue("id"), body.TeamOnly); err != nil {
			writeAdminError(w, err)
			return
		}

		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("POST /conversations/{id}/link", func(w http.ResponseWriter, r *http.Request) {
		link, err := access.CreateLink(r.Context(), r.PathValue("id"))
		if err != nil {
			writeAdminError(w, err)
			return
		}

		json.NewEncoder(w).Encode(map[string]string{"uri": link})
	})

	mux.HandleFunc("DELETE /conversations/{id}/link", func(w http.ResponseWriter, r *http.Request) {
		if err := access.RemoveLink(r.Context(), r.PathValue("id")); err != nil {
			writeAdminError(w, err)
			return
		}

		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("GET /stats", func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"outcomes": collector.Snapshot(),
			"arrivals": collector.ArrivalBuckets(),
		})
	})

	server := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		<-ctx.Done()
		logger.Info("shutting down admin server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	logger.Info("admin server listening", slog.String("addr", addr))

	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("admin server error: %w", err)
	}

	return nil
}

func writeAdminError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, errs.ErrConversationUnknown):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, errs.ErrNoTeam), errors.Is(err, errs.ErrLinkState):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, errs.ErrLinkCreation):
		http.Error(w, err.Error(), http.StatusBadGateway)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
