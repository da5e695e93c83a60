package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/archit342000/edge-ai-gateway/pkg/config"
	"github.com/archit342000/edge-ai-gateway/pkg/presenter"
	"github.com/archit342000/edge-ai-gateway/pkg/token"
)

var approveCmd = &cobra.Command{
	Use:   "approve <caller-id>",
	Short: "approve a pending token request, minting a bearer token for the caller",
	Args:  cobra.ExactArgs(1),
	RunE:  runApprove,
}

func runApprove(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	callerID := args[0]

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	store, err := token.Open(ctx, cfg.BasePath)
	if err != nil {
		return err
	}
	defer store.Close()

	tok, ok, err := store.Approve(ctx, callerID)
	if err != nil {
		return err
	}
	if !ok {
		presenter.Warning("no pending request for caller_id " + callerID)
		return nil
	}

	presenter.Success("approved " + callerID)
	presenter.Info("token: " + tok)
	return nil
}
