// Command xtbsmoke is a small demo binary exercising a single request
// and a single streaming subscription against a configured environment.
// It is not part of the library's public surface.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	_ "go.uber.org/automaxprocs"

	"github.com/adred-codev/xtbconn"
	"github.com/adred-codev/xtbconn/internal/config"
	"github.com/adred-codev/xtbconn/internal/credentials"
	"github.com/adred-codev/xtbconn/internal/monitoring"
)

func main() {
	logger := monitoring.NewLogger(monitoring.LoggerConfig{
		Level:     "info",
		Format:    monitoring.LogFormatPretty,
		Component: "xtbsmoke",
	})

	cfg, err := config.Load(".")
	if err != nil {
		logger.Fatal().Err(err).Msg("load config")
	}

	creds, err := credentials.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("load credentials")
	}

	client := xtbconn.New(xtbconn.Options{
		Config:      cfg,
		Credentials: creds,
		Mode:        xtbconn.ModeDemo,
		Logger:      logger,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	reply, err := client.Request(ctx, "getVersion", nil, "")
	if err != nil {
		logger.Fatal().Err(err).Msg("getVersion request failed")
	}
	fmt.Fprintf(os.Stdout, "getVersion returnData: %s\n", reply.ReturnData)

	sub, err := client.Subscribe(ctx, "TickPrices", map[string]interface{}{
		"symbol":         "BITCOIN",
		"minArrivalTime": 500,
		"maxLevel":       1,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("subscribe TickPrices failed")
	}

	payload, ok, err := sub.Take(ctx)
	if err != nil || !ok {
		logger.Fatal().Err(err).Msg("no tick price payload received")
	}
	fmt.Fprintf(os.Stdout, "tick price payload: %s\n", payload)

	if err := client.Unsubscribe(ctx, sub); err != nil {
		logger.Fatal().Err(err).Msg("unsubscribe TickPrices failed")
	}

	client.Close(context.Background())
}
