package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/archit342000/edge-ai-gateway/pkg/config"
	"github.com/archit342000/edge-ai-gateway/pkg/presenter"
	"github.com/archit342000/edge-ai-gateway/pkg/token"
)

var revokeCmd = &cobra.Command{
	Use:   "revoke <token>",
	Short: "revoke a bearer token, invalidating it for future calls",
	Args:  cobra.ExactArgs(1),
	RunE:  runRevoke,
}

func runRevoke(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	tok := args[0]

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	store, err := token.Open(ctx, cfg.BasePath)
	if err != nil {
		return err
	}
	defer store.Close()

	callerID, ok := store.CallerForToken(tok)
	if !ok {
		presenter.Warning("token not found or already revoked")
		return nil
	}

	if !store.Revoke(ctx, tok) {
		presenter.Warning("token not found or already revoked")
		return nil
	}

	presenter.Success("revoked token previously issued to caller_id " + callerID)
	return nil
}
