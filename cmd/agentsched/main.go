package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"agentsched/internal/app"
	"agentsched/internal/config"
)

func main() {
	var (
		cfgPath string
		check   bool
		stopMax time.Duration
	)
	flag.StringVar(&cfgPath, "config", "./agentsched.yaml", "path to config (yaml or json)")
	flag.BoolVar(&check, "check", false, "validate the config and exit")
	flag.DurationVar(&stopMax, "stop-timeout", 15*time.Second, "max time to wait for a graceful stop")
	flag.Parse()

	if check {
		if _, err := config.NewConfigManager(cfgPath).Parse(); err != nil {
			fmt.Println("invalid config:", err)
			os.Exit(1)
		}
		fmt.Println("config ok:", cfgPath)
		return
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(cfgPath)
	if err != nil {
		fmt.Println("fatal:", err)
		os.Exit(1)
	}
	if err := a.Start(ctx); err != nil {
		fmt.Println("fatal start:", err)
		os.Exit(1)
	}

	reason := app.StopSignal
	<-a.Done()
	if ctx.Err() == nil {
		reason = app.StopFatalError
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), stopMax)
	defer stopCancel()
	_ = a.Stop(stopCtx, reason)

	if err := a.Err(); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Println("fatal:", err)
		os.Exit(1)
	}
}
