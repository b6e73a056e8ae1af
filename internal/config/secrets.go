package config

import (
	"context"
	"fmt"
	"os"

	vault "github.com/hashicorp/vault/api"
	"github.com/rs/zerolog/log"
)

// secretMountPath is the KV v2 mount holding scanner secrets.
const secretMountPath = "secret"

// ResolveSecrets fills secret-bearing config fields from Vault when
// PERPFLOW_VAULT_ADDR is set. Fields already populated (from env or file)
// are left untouched, so Vault is strictly a fallback source.
func ResolveSecrets(ctx context.Context, cfg *Config) error {
	addr := os.Getenv("PERPFLOW_VAULT_ADDR")
	if addr == "" {
		return nil
	}

	vcfg := vault.DefaultConfig()
	vcfg.Address = addr

	client, err := vault.NewClient(vcfg)
	if err != nil {
		return fmt.Errorf("vault client: %w", err)
	}
	if token := os.Getenv("PERPFLOW_VAULT_TOKEN"); token != "" {
		client.SetToken(token)
	}

	secret, err := client.KVv2(secretMountPath).Get(ctx, "perpflow/scanner")
	if err != nil {
		return fmt.Errorf("vault read perpflow/scanner: %w", err)
	}

	assign := func(dst *string, key string) {
		if *dst != "" {
			return
		}
		if v, ok := secret.Data[key].(string); ok && v != "" {
			*dst = v
		}
	}

	assign(&cfg.API.AdminToken, "admin_api_token")
	assign(&cfg.Adapter.APIKey, "exchange_api_key")
	assign(&cfg.Adapter.SecretKey, "exchange_secret_key")
	assign(&cfg.Signals.WebhookURL, "webhook_url")
	assign(&cfg.Store.DatabaseURL, "database_url")
	assign(&cfg.Store.RedisPassword, "redis_password")

	log.Info().Str("vault_addr", addr).Msg("Secrets resolved from Vault")
	return nil
}
