package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/archit342000/edge-ai-gateway/pkg/config"
	"github.com/archit342000/edge-ai-gateway/pkg/presenter"
	"github.com/archit342000/edge-ai-gateway/pkg/token"
)

var denyCmd = &cobra.Command{
	Use:   "deny <caller-id>",
	Short: "deny a pending token request",
	Args:  cobra.ExactArgs(1),
	RunE:  runDeny,
}

func runDeny(cmd *cobra.Command, args []string) error {
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

	store.Deny(ctx, callerID)
	presenter.Success("denied " + callerID)
	return nil
}
