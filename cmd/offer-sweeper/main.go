// Command offer-sweeper is a scheduled Lambda that expires overdue move
// offers. Resolution notices go through the outbox, so the API's deliverer
// sends the patient emails.
package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	lambdaevents "github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	"github.com/joho/godotenv"

	"github.com/wolfman30/pearlflow/internal/app/bootstrap"
	appconfig "github.com/wolfman30/pearlflow/internal/config"
	"github.com/wolfman30/pearlflow/internal/events"
	"github.com/wolfman30/pearlflow/internal/scheduling"
	"github.com/wolfman30/pearlflow/pkg/logging"
)

type expirer interface {
	ExpireOffers(ctx context.Context) ([]scheduling.MoveOffer, error)
}

type summary struct {
	Expired  int      `json:"expired"`
	OfferIDs []string `json:"offer_ids"`
}

func main() {
	_ = godotenv.Load()
	cfg := appconfig.Load()
	logger := logging.New(cfg.LogLevel)

	engine, err := buildEngine(context.Background(), cfg, logger)
	if err != nil {
		logger.Error("offer sweeper init failed", "error", err)
		panic(err)
	}
	lambda.Start(func(ctx context.Context, evt lambdaevents.CloudWatchEvent) (summary, error) {
		return handle(ctx, engine, logger, evt)
	})
}

func buildEngine(ctx context.Context, cfg *appconfig.Config, logger *logging.Logger) (*scheduling.Engine, error) {
	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		return nil, errors.New("DATABASE_URL is required")
	}
	pool, err := bootstrap.ConnectPostgres(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		return nil, err
	}
	dir := scheduling.DefaultDirectory
	if path := strings.TrimSpace(cfg.ClinicRosterPath); path != "" {
		dir = func() (*scheduling.Directory, error) { return scheduling.LoadDirectory(path) }
	}
	clinics, err := dir()
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("load clinic roster: %w", err)
	}
	return scheduling.NewEngine(scheduling.NewPostgresStore(pool), clinics, logger,
		scheduling.WithNotifier(events.NewOutboxStore(pool)),
		scheduling.WithOfferTTL(cfg.MoveOfferTTL),
	), nil
}

func handle(ctx context.Context, engine expirer, logger *logging.Logger, evt lambdaevents.CloudWatchEvent) (summary, error) {
	expired, err := engine.ExpireOffers(ctx)
	if err != nil {
		logger.Error("offer sweep failed", "error", err, "event_id", evt.ID)
		return summary{}, err
	}
	out := summary{Expired: len(expired), OfferIDs: make([]string, 0, len(expired))}
	for _, o := range expired {
		out.OfferIDs = append(out.OfferIDs, o.ID)
	}
	logger.Info("offer sweep complete", "expired", out.Expired, "event_id", evt.ID)
	return out, nil
}
