// Command acctsync synchronizes exchange account data into a local store and
// serves reports over it.
//
// Usage:
//
//	acctsync sync   [-config path] [-user id]
//	acctsync report [-config path] -user id -type winloss|performingloan [-timeframe day|week|month] [-start ms] [-end ms]
//	acctsync status [-config path]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"acctsync/internal/auth"
	"acctsync/internal/checker"
	"acctsync/internal/config"
	"acctsync/internal/exchange"
	"acctsync/internal/interrupt"
	"acctsync/internal/logger"
	"acctsync/internal/reports"
	"acctsync/internal/schema"
	"acctsync/internal/storage"
	"acctsync/internal/syncer"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	// Missing .env is fine; the environment may be set directly.
	_ = godotenv.Load()

	var err error
	switch os.Args[1] {
	case "sync":
		err = runSync(os.Args[2:])
	case "report":
		err = runReport(os.Args[2:])
	case "status":
		err = runStatus(os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}

	if err != nil {
		if errors.Is(err, interrupt.ErrInterrupted) {
			fmt.Fprintln(os.Stderr, "sync interrupted; progress is preserved")
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: acctsync <sync|report|status> [flags]")
}

func runSync(args []string) error {
	fs := flag.NewFlagSet("sync", flag.ExitOnError)
	configPath := fs.String("config", "config.yaml", "configuration file")
	userID := fs.Int64("user", 0, "sync a single user by id (default: all active users)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	log := logger.New(cfg.Logging)

	registry := schema.NewRegistry()
	store, err := storage.NewSQLStore(cfg.Storage.Driver, cfg.Storage.Path, registry, log)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := store.Initialize(ctx); err != nil {
		return err
	}

	api := exchange.NewClient(newTransport(), exchange.ClientConfig{
		RequestsPerSecond: cfg.API.RequestsPerSecond,
		Burst:             cfg.API.Burst,
		MaxRetries:        cfg.API.MaxRetries,
		InitialBackoff:    cfg.API.InitialBackoff.Std(),
		MaxBackoff:        cfg.API.MaxBackoff.Std(),
	}, log)

	policy := checker.Policy{
		SameInstantRefetchLimit: cfg.Sync.SameInstantRefetchLimit,
		ForexSymbols:            cfg.Sync.ForexSymbols,
		ConvertTo:               cfg.Sync.ConvertTo,
		CandlesTimeframe:        cfg.Sync.CandlesTimeframe,
		Synonyms:                checker.DefaultPolicy().Synonyms,
	}
	orch := syncer.NewOrchestrator(store, api, registry, policy, log)

	// A signal stops the run at its next safe point instead of killing it
	// mid-page.
	go func() {
		<-ctx.Done()
		orch.Stop()
	}()

	users, err := resolveUsers(ctx, store, *userID)
	if err != nil {
		return err
	}

	for _, user := range users {
		progress, err := orch.Run(ctx, user)
		if err != nil {
			return err
		}
		fmt.Printf("user %d: %s (%d collections, %d windows, %d records)\n",
			user.ID, progress.State, progress.Collections, progress.Windows, progress.Fetched)
	}
	return nil
}

func resolveUsers(ctx context.Context, store storage.Gateway, userID int64) ([]*auth.User, error) {
	authn := auth.NewAuthenticator(store)
	if userID != 0 {
		user, err := authn.UserByID(ctx, userID)
		if err != nil {
			return nil, err
		}
		return []*auth.User{user}, nil
	}
	return authn.ActiveUsers(ctx)
}

func runReport(args []string) error {
	fs := flag.NewFlagSet("report", flag.ExitOnError)
	configPath := fs.String("config", "config.yaml", "configuration file")
	userID := fs.Int64("user", 0, "user id")
	reportType := fs.String("type", "winloss", "report type: winloss or performingloan")
	timeframe := fs.String("timeframe", "day", "bucket size: day, week or month")
	start := fs.Int64("start", 0, "range start, unix ms")
	end := fs.Int64("end", 0, "range end, unix ms")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	log := logger.New(cfg.Logging)

	registry := schema.NewRegistry()
	store, err := storage.NewSQLStore(cfg.Storage.Driver, cfg.Storage.Path, registry, log)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := context.Background()
	params := reports.Params{
		UserID:    *userID,
		Start:     *start,
		End:       *end,
		Timeframe: reports.Timeframe(*timeframe),
	}

	switch *reportType {
	case "winloss":
		points, err := reports.NewWinLossReport(store, log).Generate(ctx, params)
		if err != nil {
			return err
		}
		for _, p := range points {
			fmt.Printf("%d\t%s\n", p.MTS, p.USD.StringFixed(2))
		}
	case "performingloan":
		points, err := reports.NewPerformingLoanReport(store, log).Generate(ctx, params)
		if err != nil {
			return err
		}
		for _, p := range points {
			fmt.Printf("%d\t%s\t%s\t%s%%\n",
				p.MTS, p.USD.StringFixed(2), p.CumulativeUSD.StringFixed(2), p.Perc.StringFixed(2))
		}
	default:
		return fmt.Errorf("unknown report type %q", *reportType)
	}
	return nil
}

func runStatus(args []string) error {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	configPath := fs.String("config", "config.yaml", "configuration file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	log := logger.New(cfg.Logging)

	registry := schema.NewRegistry()
	store, err := storage.NewSQLStore(cfg.Storage.Driver, cfg.Storage.Path, registry, log)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := context.Background()
	if err := store.HealthCheck(ctx); err != nil {
		return err
	}

	for _, method := range registry.Methods() {
		coll, _ := registry.ByMethod(method)
		latest, err := store.GetElem(ctx, coll.Name, nil, coll.Sort)
		if err != nil {
			return err
		}
		if latest == nil {
			fmt.Printf("%-24s empty\n", coll.Name)
			continue
		}
		fmt.Printf("%-24s latest %v\n", coll.Name, latest[coll.DateField])
	}
	return nil
}
