// Command gsc-import runs one Search Console import: it fetches
// keyword/page performance rows for a property, rolls them up into
// monthly aggregates, and persists them into a local SQLite database.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"

	"github.com/seolens/gsc-importer/pkg/auth"
	"github.com/seolens/gsc-importer/pkg/client"
	"github.com/seolens/gsc-importer/pkg/importer"
	"github.com/seolens/gsc-importer/pkg/logging"
	"github.com/seolens/gsc-importer/pkg/ratelimit"
	"github.com/seolens/gsc-importer/pkg/store"
)

func main() {
	// Configuration from environment
	site := os.Getenv("GSC_SITE")
	startDate := getEnv("GSC_START_DATE", "2024-10-01")
	endDate := os.Getenv("GSC_END_DATE")
	dbPath := getEnv("GSC_DB_PATH", "data/keywords.db")
	metricsAddr := os.Getenv("METRICS_ADDR")

	logging.Setup(logging.Config{
		Level:  logging.LogLevel(getEnv("LOG_LEVEL", "info")),
		Pretty: os.Getenv("LOG_PRETTY") == "true",
		Output: os.Stderr,
	})

	if site == "" {
		log.Fatal().Msg("GSC_SITE is required (e.g. sc-domain:example.com)")
	}

	tokenSource, err := tokenSourceFromEnv()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load credentials")
	}

	st, err := store.Open(dbPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", dbPath).Msg("Failed to open local store")
	}
	defer st.Close()

	gsc, err := client.New(client.DefaultConfig(tokenSource))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create API client")
	}

	if metricsAddr != "" {
		go func() {
			http.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(metricsAddr, nil); err != nil {
				log.Error().Err(err).Msg("Metrics server failed")
			}
		}()
		log.Info().Str("addr", metricsAddr).Msg("Serving Prometheus metrics")
	}

	cfg := importer.DefaultConfig()
	cfg.MaxTotalRows = getEnvInt("GSC_MAX_TOTAL_ROWS", cfg.MaxTotalRows)
	cfg.OnProgress = func(p importer.Progress) {
		log.Info().
			Str("status", string(p.Status)).
			Int("pages_fetched", p.PagesFetched).
			Int("rows_fetched", p.RowsFetched).
			Int("months_done", p.MonthsDone).
			Int("months_total", p.MonthsTotal).
			Msg("Import progress")
	}

	imp := importer.New(gsc, ratelimit.NewDefault(), client.DefaultRetryPolicy(), st, cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	job, err := imp.Start(ctx, importer.Criteria{
		Site:           site,
		StartDate:      startDate,
		EndDate:        endDate,
		MinImpressions: int64(getEnvInt("GSC_MIN_IMPRESSIONS", 0)),
		MinClicks:      int64(getEnvInt("GSC_MIN_CLICKS", 0)),
		KeywordPattern: os.Getenv("GSC_KEYWORD_PATTERN"),
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to start import")
	}

	select {
	case <-ctx.Done():
		log.Warn().Msg("Interrupted, cancelling import (persisted months are kept)")
		job.Cancel()
		<-job.Done()
	case <-job.Done():
	}

	final := job.Snapshot()
	if final.Status != importer.StatusCompleted {
		log.Error().
			Str("status", string(final.Status)).
			Str("error_class", string(final.ErrorClass)).
			Str("error", final.Error).
			Msg("Import did not complete")
		os.Exit(1)
	}

	log.Info().
		Int("pages_fetched", final.PagesFetched).
		Int("rows_fetched", final.RowsFetched).
		Int("months", final.MonthsTotal).
		Msg("Import completed")
}

// tokenSourceFromEnv builds the credential supplier: a literal token via
// GSC_TOKEN, or a stored token file via GSC_TOKEN_FILE.
func tokenSourceFromEnv() (oauth2.TokenSource, error) {
	if token := os.Getenv("GSC_TOKEN"); token != "" {
		return auth.StaticToken(token), nil
	}
	return auth.FileToken(getEnv("GSC_TOKEN_FILE", "token.json"))
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}
