package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/shawkym/reqchat/internal/version"
	"github.com/shawkym/reqchat/pkg/config"
	"github.com/shawkym/reqchat/pkg/log"
)

var (
	cfgFile     string
	showVersion bool
)

var rootCmd = &cobra.Command{
	Use:   "reqchat",
	Short: "Chat with a requirements-engineering agent",
	Long: `reqchat is a terminal client for a requirements-engineering agent.
Plain messages go to the agent over a persistent WebSocket connection that
reconnects on its own. Story blocks and /analyze, /pipeline or /report
commands are sent to the analysis pipeline instead, and both kinds of reply
land in the same transcript.`,
	SilenceUsage: true,
	Run: func(cmd *cobra.Command, args []string) {
		if showVersion {
			fmt.Println(version.GetVersionString())
			return
		}
		cmd.Help()
	},
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (default is $HOME/.reqchat.yaml)")
	flags.Bool("verbose", false, "Enable verbose output")
	flags.String("url", "", "WebSocket URL of the agent channel")
	flags.String("pipeline-url", "", "Base URL of the analysis pipeline backend")
	flags.String("conversation", "", "Conversation id to load history from")
	flags.String("project", "", "Project id attached to pipeline requests")
	rootCmd.Flags().BoolVarP(&showVersion, "version", "V", false, "Show version information")

	bindings := map[string]string{
		"verbose":                 "verbose",
		"channel.url":             "url",
		"pipeline.base_url":       "pipeline-url",
		"history.conversation_id": "conversation",
		"pipeline.project_id":     "project",
	}
	for key, flag := range bindings {
		if err := viper.BindPFlag(key, flags.Lookup(flag)); err != nil {
			fmt.Fprintf(os.Stderr, "Error binding %s flag: %v\n", flag, err)
		}
	}
}

func initConfig() {
	level := zerolog.InfoLevel
	if viper.GetBool("verbose") {
		level = zerolog.DebugLevel
	}
	log.InitLogger(os.Stderr, level, true)

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
		log.WithField("config_file", cfgFile).Debug("using specified config file")
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			log.WithError(err).Error("failed to get home directory")
			fmt.Fprintf(os.Stderr, "Error getting home directory: %v\n", err)
			os.Exit(1)
		}

		viper.AddConfigPath(home)
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName(".reqchat")
	}

	viper.SetEnvPrefix("REQCHAT")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		log.WithField("config_file", viper.ConfigFileUsed()).Debug("found configuration file")
	} else {
		log.WithError(err).Debug("no config file found, using defaults")
	}
}

// configPath returns the config file in use, if any.
func configPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	return viper.ConfigFileUsed()
}

// loadConfig reads the config file in use, or the defaults, then applies
// flag and REQCHAT_* environment overrides.
func loadConfig() (*config.Config, error) {
	var cfg *config.Config
	if path := configPath(); path != "" {
		loaded, err := config.LoadConfig(path)
		if err != nil {
			log.WithError(err).WithField("config_path", path).Error("failed to load configuration")
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
		cfg = loaded
		log.WithField("config_path", path).Info("configuration loaded")
	} else {
		cfg = config.NewDefaultConfig()
	}

	applyOverrides(cfg, viper.GetViper())
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// applyOverrides copies the connection settings that can be given as flags
// or environment variables into cfg.
func applyOverrides(cfg *config.Config, v *viper.Viper) {
	overrides := map[string]*string{
		"channel.url":             &cfg.Channel.URL,
		"pipeline.base_url":       &cfg.Pipeline.BaseURL,
		"pipeline.project_id":     &cfg.Pipeline.ProjectID,
		"history.base_url":        &cfg.History.BaseURL,
		"history.conversation_id": &cfg.History.ConversationID,
	}
	for key, field := range overrides {
		if value := v.GetString(key); value != "" {
			*field = value
		}
	}
	// History follows the pipeline backend unless it has its own URL.
	if v.GetString("history.base_url") == "" && v.GetString("pipeline.base_url") != "" {
		cfg.History.BaseURL = cfg.Pipeline.BaseURL
	}
	if n := v.GetInt("channel.max_reconnect_attempts"); n > 0 {
		cfg.Channel.MaxReconnectAttempts = n
	}
}
