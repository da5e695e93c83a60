// Command gatewayd runs the on-device inference gateway: the Dispatcher,
// ConversationRegistry, EngineGateway and TokenStore wired together, plus
// the optional HTTP and WebSocket transports.
package main

import (
	"context"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/archit342000/edge-ai-gateway/pkg/config"
	"github.com/archit342000/edge-ai-gateway/pkg/logger"
	"github.com/archit342000/edge-ai-gateway/pkg/presenter"
)

func init() {
	config.Init()
}

var rootCmd = &cobra.Command{
	Use:   "gatewayd",
	Short: "gatewayd brokers on-device LLM inference for untrusted local clients",
	Long:  `gatewayd is the host-process daemon that owns the native inference engine, authenticates client apps via manually-approved bearer tokens, and manages TTL-bounded multi-turn conversations.`,
}

func init() {
	rootCmd.PersistentFlags().String("base-path", "", "root directory for persisted state (default: ~/.edge-ai-gateway)")
	rootCmd.PersistentFlags().String("host-caller-id", "host", "caller_id authorized to revoke tokens through the dispatcher")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (panic, fatal, error, warn, info, debug, trace)")
	rootCmd.PersistentFlags().String("log-format", "fmt", "log format (json, text, fmt)")

	viper.BindPFlag("base_path", rootCmd.PersistentFlags().Lookup("base-path"))
	viper.BindPFlag("host_caller_id", rootCmd.PersistentFlags().Lookup("host-caller-id"))
	viper.BindPFlag("log_level", rootCmd.PersistentFlags().Lookup("log-level"))
	viper.BindPFlag("log_format", rootCmd.PersistentFlags().Lookup("log-format"))

	cobra.OnInitialize(func() {
		if level := viper.GetString("log_level"); level != "" {
			if err := logger.SetLogLevel(level); err != nil {
				logger.G(context.Background()).WithError(err).WithField("log_level", level).Warn("invalid log level, using default")
			}
		}
		if format := viper.GetString("log_format"); format != "" {
			logger.SetLogFormat(format)
		}
	})

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(approveCmd)
	rootCmd.AddCommand(denyCmd)
	rootCmd.AddCommand(revokeCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		presenter.Error(err, "")
		os.Exit(1)
	}
}
