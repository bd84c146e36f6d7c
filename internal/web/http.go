package web

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/riverqueue/river"
	"riverqueue.com/riverui"

	"github.com/dynoinc/billstream/internal"
)

const (
	ownerHeader      = "X-Owner-ID"
	requestIDHeader  = "X-Request-ID"
	virtualKeyHeader = "X-Virtual-Key-ID"
)

type httpHandlers struct {
	bot *internal.Bot
	db  *pgxpool.Pool
}

// New serves the turn API, read endpoints, metrics and health. The riverui
// dashboard is mounted when a river client is given.
func New(ctx context.Context, bot *internal.Bot, db *pgxpool.Pool, riverClient *river.Client[pgx.Tx]) (http.Handler, error) {
	handlers := &httpHandlers{
		bot: bot,
		db:  db,
	}

	mux := http.NewServeMux()

	if riverClient != nil {
		opts := &riverui.ServerOpts{
			Client: riverClient,
			DB:     db,
			Prefix: "/riverui",
			Logger: slog.Default(),
		}
		riverServer, err := riverui.NewServer(opts)
		if err != nil {
			return nil, err
		}
		if err := riverServer.Start(ctx); err != nil {
			return nil, err
		}
		mux.Handle("/riverui/", riverServer)
	}

	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /healthz", handlers.healthz)

	mux.HandleFunc("POST /v1/threads/{stateKey}/turns", handlers.createTurn)
	mux.HandleFunc("GET /v1/threads/{stateKey}", handlers.getThread)
	mux.HandleFunc("GET /v1/account/balance", handlers.balance)
	mux.HandleFunc("GET /v1/account/summary", handlers.accountSummary)
	mux.HandleFunc("GET /v1/invocations", handlers.invocations)
	mux.HandleFunc("POST /v1/charges", handlers.createCharge)

	return mux, nil
}
