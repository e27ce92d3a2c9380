// Command git-as-svn serves version-controlled object graphs from a
// content-addressed object database to clients speaking the svn:// wire
// protocol.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/bozaro/git-as-svn/auth"
	"github.com/bozaro/git-as-svn/config"
	"github.com/bozaro/git-as-svn/gitdb"
	"github.com/bozaro/git-as-svn/logging"
	"github.com/bozaro/git-as-svn/repository"
	"github.com/bozaro/git-as-svn/server"
)

var version = "dev"

func main() {
	var configPath string

	root := &cobra.Command{
		Use:          "git-as-svn",
		Short:        "Subversion frontend for content-addressed repositories",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath)
		},
	}
	root.Flags().StringVarP(&configPath, "config", "c", "git-as-svn.toml", "configuration file")

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the server version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	})

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	log, err := logging.New(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	defer func() { _ = log.Sync() }()

	dbOpts := badger.DefaultOptions(filepath.Clean(cfg.CachePath)).WithLogger(nil)
	if cfg.CachePath == "" {
		dbOpts = badger.DefaultOptions("").WithInMemory(true).WithLogger(nil)
	}
	db, err := badger.Open(dbOpts)
	if err != nil {
		return fmt.Errorf("opening key-value store: %w", err)
	}
	defer func() { _ = db.Close() }()

	store := gitdb.NewBadgerStore(db)

	userDB := auth.NewStaticUserDB()
	for _, u := range cfg.Users {
		userDB.Add(u.Name, u.Password, u.Email, u.RealName)
	}

	mapping := make([]server.RepositoryEntry, 0, len(cfg.Repositories))
	for _, rc := range cfg.Repositories {
		id := rc.UUID
		if id == "" {
			id = uuid.NewString()
		}
		repo, err := repository.New(store, db, log, repository.Options{
			Name:            rc.Path,
			UUID:            id,
			Branches:        rc.Branches,
			RenameDetection: rc.RenameDetection,
		})
		if err != nil {
			return fmt.Errorf("repository %s: %w", rc.Path, err)
		}
		mapping = append(mapping, server.RepositoryEntry{
			Prefix:        rc.Path,
			Repo:          repo,
			AnonymousRead: rc.AnonymousRead,
		})
	}

	srv := server.New(log, userDB, mapping, server.Options{
		Realm:         cfg.Realm,
		Compression:   cfg.Compression,
		IdleTimeout:   time.Duration(cfg.IdleTimeoutSeconds) * time.Second,
		AuthTimeout:   time.Duration(cfg.AuthTimeoutSeconds) * time.Second,
		ShutdownGrace: time.Duration(cfg.ShutdownGraceSeconds) * time.Second,
	})

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	log.Info("server listening", zap.String("address", addr))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		log.Info("shutting down")
		srv.Shutdown()
	}()

	return srv.Serve(ctx, listener)
}
