package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"
	"github.com/xela07ax/spaceai-agent-router/internal/infra/auth"
)

var tokenTTL time.Duration

func init() {
	rootCmd.AddCommand(tokenCmd)
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 0, "token lifetime (default: auth.token_ttl)")
}

var tokenCmd = &cobra.Command{
	Use:   "token <address>",
	Short: "Issue an access token for an account (requires the signing key)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if !common.IsHexAddress(args[0]) {
			return fmt.Errorf("invalid address %q", args[0])
		}
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if len(cfg.Auth.PrivateKey) == 0 {
			return errors.New("auth.private_key_path or AUTH_PRIVATE_KEY_DATA is required")
		}
		key, err := auth.ParseRSAPrivateKey(cfg.Auth.PrivateKey)
		if err != nil {
			return err
		}

		ttl := cfg.Auth.TokenTTL
		if tokenTTL > 0 {
			ttl = tokenTTL
		}
		tok, err := auth.NewIssuer(key, ttl).Issue(common.HexToAddress(args[0]), time.Now())
		if err != nil {
			return err
		}

		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(tok)
	},
}
