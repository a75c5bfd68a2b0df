// Package main is the entry point for the wpic admin CLI. It provides
// setup commands (key generation) and direct owner management against
// the configured database, without going through the HTTP API.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/ThinkerWen/wpic/internal/auth"
	"github.com/ThinkerWen/wpic/internal/config"
	"github.com/ThinkerWen/wpic/internal/domain"
	"github.com/ThinkerWen/wpic/internal/pkg/crypto"
	"github.com/ThinkerWen/wpic/internal/repository"
	"github.com/ThinkerWen/wpic/internal/repository/postgres"
	"github.com/ThinkerWen/wpic/internal/repository/sqlite"
	"github.com/ThinkerWen/wpic/internal/service"
)

// Version information (set at build time)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	if flag.NArg() < 1 {
		printUsage()
		os.Exit(1)
	}

	var err error
	switch flag.Arg(0) {
	case "version":
		fmt.Printf("wpic admin CLI\n")
		fmt.Printf("Version: %s\n", Version)
		fmt.Printf("Build Time: %s\n", BuildTime)
		fmt.Printf("Git Commit: %s\n", GitCommit)

	case "gen-encryption-key":
		err = genEncryptionKey()

	case "hash-master-key":
		err = hashMasterKey(flag.Arg(1))

	case "create-owner":
		err = createOwner(*configPath, flag.Args()[1:])

	case "help", "-h", "--help":
		printUsage()

	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", flag.Arg(0))
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// genEncryptionKey prints a fresh hex key for auth.encryption_key.
func genEncryptionKey() error {
	key, err := crypto.GenerateMasterKey()
	if err != nil {
		return err
	}
	fmt.Println(key)
	return nil
}

// hashMasterKey prints the bcrypt hash for auth.master_key_hash.
func hashMasterKey(key string) error {
	if key == "" {
		return fmt.Errorf("usage: wpic-admin hash-master-key <key>")
	}
	hash, err := auth.HashMasterKey(key)
	if err != nil {
		return err
	}
	fmt.Println(hash)
	return nil
}

// createOwner registers an owner directly against the database and
// prints the API token once.
func createOwner(configPath string, args []string) error {
	fs := flag.NewFlagSet("create-owner", flag.ExitOnError)
	name := fs.String("name", "", "owner name (required)")
	backend := fs.String("backend", "local", "storage backend: local, webdav or s3")
	backendConfig := fs.String("backend-config", "", "backend config overrides as JSON")
	quota := fs.Int64("quota", 0, "quota in bytes (0 = unlimited)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *name == "" {
		return fmt.Errorf("-name is required")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger := zerolog.New(os.Stderr).With().Timestamp().Logger().Level(zerolog.WarnLevel)

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	owners, closeDB, err := openOwnerRepository(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeDB()

	var encryptor *crypto.Encryptor
	if cfg.Auth.EncryptionKey != "" {
		encryptor, err = crypto.NewEncryptorFromHex(cfg.Auth.EncryptionKey)
		if err != nil {
			return err
		}
	}

	ownerService := service.NewOwnerService(owners, nil, encryptor, nil, logger)

	var rawConfig json.RawMessage
	if *backendConfig != "" {
		rawConfig = json.RawMessage(*backendConfig)
	}

	out, err := ownerService.CreateOwner(ctx, service.CreateOwnerInput{
		Name:          *name,
		BackendKind:   domain.BackendKind(*backend),
		BackendConfig: rawConfig,
		QuotaBytes:    *quota,
	})
	if err != nil {
		return err
	}

	fmt.Printf("owner created\n")
	fmt.Printf("  id:       %d\n", out.Owner.ID)
	fmt.Printf("  name:     %s\n", out.Owner.Name)
	fmt.Printf("  backend:  %s\n", out.Owner.BackendKind)
	fmt.Printf("  token:    %s\n", out.APIToken)
	fmt.Printf("\nstore the token now; only its hash is kept.\n")
	return nil
}

// openOwnerRepository connects to the configured database and returns
// the owner repository.
func openOwnerRepository(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (repository.OwnerRepository, func(), error) {
	if cfg.Database.IsEmbedded() {
		db, err := sqlite.NewDB(ctx, sqlite.Config{
			Path:         cfg.Database.Path,
			MaxOpenConns: 1,
			MaxIdleConns: 1,
			JournalMode:  cfg.Database.JournalMode,
			BusyTimeout:  cfg.Database.BusyTimeout,
		}, logger)
		if err != nil {
			return nil, nil, err
		}
		if err := db.Migrate(ctx); err != nil {
			db.Close()
			return nil, nil, err
		}
		return sqlite.NewOwnerRepository(db), func() { db.Close() }, nil
	}

	db, err := postgres.NewDB(ctx, cfg.Database, logger)
	if err != nil {
		return nil, nil, err
	}
	if err := db.Migrate(ctx); err != nil {
		db.Close()
		return nil, nil, err
	}
	return postgres.NewOwnerRepository(db), func() { db.Close() }, nil
}

func printUsage() {
	fmt.Println(`wpic admin CLI

Usage:
  wpic-admin [-config path] <command> [arguments]

Commands:
  gen-encryption-key    Generate a hex key for auth.encryption_key
  hash-master-key <key> Print the bcrypt hash for auth.master_key_hash
  create-owner          Register an owner and print their API token
  version               Print version information
  help                  Show this help message

Examples:
  wpic-admin gen-encryption-key
  wpic-admin hash-master-key s3cret
  wpic-admin create-owner -name alice -backend s3 -quota 1073741824`)
}
