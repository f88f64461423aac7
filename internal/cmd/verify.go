package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/livecheck/livecheck/internal/app"
	"github.com/livecheck/livecheck/internal/config"
	log "github.com/sirupsen/logrus"
)

// DoVerify checks one claim with the active credential and prints the result as JSON.
func DoVerify(cfg *config.Config, text string) {
	a, err := app.New(cfg)
	if err != nil {
		log.Errorf("failed to initialize: %v", err)
		return
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err = a.Start(ctx); err != nil {
		log.Errorf("failed to load stored credentials: %v", err)
		return
	}
	result := a.VerifyText(ctx, text)
	out, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		log.Errorf("failed to encode result: %v", err)
		return
	}
	fmt.Println(string(out))
}
