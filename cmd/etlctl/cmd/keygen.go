package cmd

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/etlpilot/internal/api/middleware"
	"github.com/kiranshivaraju/etlpilot/internal/config"
	"github.com/kiranshivaraju/etlpilot/internal/store"
	"github.com/kiranshivaraju/etlpilot/pkg/models"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/crypto/bcrypt"
)

const keyPrefix = "etl_"

var (
	keygenName      string
	keygenScopes    []string
	keygenPrintOnly bool
)

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Create an API key for the HTTP server",
	Long: `Keygen generates a new API key, stores its bcrypt hash in the database
and prints the raw key once. With --print-only nothing is written and the
hash is printed alongside the key.`,
	RunE: runKeygen,
}

func init() {
	rootCmd.AddCommand(keygenCmd)

	keygenCmd.Flags().StringVar(&keygenName, "name", "", "human-readable key name (required)")
	keygenCmd.Flags().StringSliceVar(&keygenScopes, "scopes", []string{"read", "write"}, "scopes granted to the key")
	keygenCmd.Flags().BoolVar(&keygenPrintOnly, "print-only", false, "print the key and hash without storing them")

	keygenCmd.Flags().String("database-url", "", "Postgres URL (or ETLCTL_DATABASE_URL)")
	viper.BindPFlag("database_url", keygenCmd.Flags().Lookup("database-url"))
}

// keyWriter is the part of the store keygen needs.
type keyWriter interface {
	CreateAPIKey(ctx context.Context, key *models.APIKey) error
}

// openKeyStore connects to Postgres. Tests replace it.
var openKeyStore = func(ctx context.Context, url string) (keyWriter, func(), error) {
	pool, err := store.Connect(ctx, config.DatabaseConfig{
		URL:             url,
		MaxOpenConns:    2,
		MaxIdleConns:    1,
		ConnMaxLifetime: time.Minute,
	})
	if err != nil {
		return nil, nil, err
	}
	return store.NewPostgresStore(pool), pool.Close, nil
}

func runKeygen(cmd *cobra.Command, args []string) error {
	if keygenName == "" {
		return fmt.Errorf("--name is required")
	}

	raw, key, err := newAPIKey(keygenName, keygenScopes)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if keygenPrintOnly {
		fmt.Fprintf(out, "key:    %s\nprefix: %s\nhash:   %s\n", raw, key.KeyPrefix, key.KeyHash)
		return nil
	}

	url := viper.GetString("database_url")
	if url == "" {
		return fmt.Errorf("--database-url is required unless --print-only is set")
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	ks, closeStore, err := openKeyStore(ctx, url)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer closeStore()

	if err := ks.CreateAPIKey(ctx, key); err != nil {
		return fmt.Errorf("storing api key: %w", err)
	}

	fmt.Fprintf(out, "created key %q (%s) with scopes %s\n", key.Name, key.ID, strings.Join(key.Scopes, ","))
	fmt.Fprintf(out, "key: %s\n", raw)
	fmt.Fprintln(out, "Store it now; it cannot be shown again.")
	return nil
}

func newAPIKey(name string, scopes []string) (string, *models.APIKey, error) {
	raw := keyPrefix + strings.ReplaceAll(uuid.NewString(), "-", "")

	hash, err := bcrypt.GenerateFromPassword([]byte(raw), bcrypt.DefaultCost)
	if err != nil {
		return "", nil, fmt.Errorf("hashing api key: %w", err)
	}

	now := time.Now().UTC()
	return raw, &models.APIKey{
		ID:        uuid.New(),
		Name:      name,
		KeyHash:   string(hash),
		KeyPrefix: raw[:middleware.KeyPrefixLen],
		Scopes:    scopes,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}
