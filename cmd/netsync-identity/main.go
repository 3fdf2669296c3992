// Main package for managing the identities the token service authenticates against.
//
//	netsync-identity [-db path] register <name> <secret>
//	netsync-identity [-db path] remove <name>
//	netsync-identity [-db path] list
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/sessamekesh/spanreed-netsync/internal/config"
	"github.com/sessamekesh/spanreed-netsync/internal/identity"
	"go.uber.org/zap"
)

func main() {
	logger := zap.Must(zap.NewProduction())
	if os.Getenv("APP_ENV") != "production" {
		logger = zap.Must(zap.NewDevelopment())
	}
	code := run(logger)
	logger.Sync()
	os.Exit(code)
}

func run(logger *zap.Logger) int {
	configPath := flag.String("config", "", "Optional YAML config file; NETSYNC_* environment variables override it")
	dbPath := flag.String("db", "", "Identity database path (defaults to identity.database_path from config)")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] register <name> <secret> | remove <name> | list\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	path := *dbPath
	if path == "" {
		cfg, err := config.Load(*configPath)
		if err != nil {
			logger.Error("Failed to load config", zap.Error(err))
			return 1
		}
		path = cfg.Identity.DatabasePath
	}
	if path == "" {
		logger.Error("No identity database configured; pass -db or set NETSYNC_IDENTITY_DATABASE_PATH")
		return 2
	}

	store, err := identity.Open(path, logger)
	if err != nil {
		logger.Error("Failed to open identity store", zap.Error(err))
		return 1
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		return 2
	}

	switch {
	case args[0] == "register" && len(args) == 3:
		ident, err := store.Register(ctx, args[1], args[2])
		if err != nil {
			logger.Error("Failed to register identity", zap.Error(err))
			return 1
		}
		fmt.Printf("registered %s as client %d\n", ident.Name, ident.ClientID)
	case args[0] == "remove" && len(args) == 2:
		removed, err := store.Remove(ctx, args[1])
		if err != nil {
			logger.Error("Failed to remove identity", zap.Error(err))
			return 1
		}
		if !removed {
			fmt.Printf("no identity named %s\n", args[1])
			return 1
		}
	case args[0] == "list" && len(args) == 1:
		identities, err := store.List(ctx)
		if err != nil {
			logger.Error("Failed to list identities", zap.Error(err))
			return 1
		}
		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "CLIENT ID\tNAME\tCREATED")
		for _, ident := range identities {
			fmt.Fprintf(tw, "%d\t%s\t%s\n", ident.ClientID, ident.Name, ident.CreatedAt.Format(time.RFC3339))
		}
		tw.Flush()
	default:
		flag.Usage()
		return 2
	}
	return 0
}
