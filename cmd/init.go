package cmd

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/shawkym/reqchat/pkg/config"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a reqchat configuration file",
	Long: `Create a reqchat configuration file interactively.
Press Enter to keep the default shown for each question.`,
	RunE: runInit,
}

func init() {
	rootCmd.AddCommand(initCmd)
	initCmd.Flags().StringP("output", "o", ".reqchat.yaml", "Output configuration file path")
}

func runInit(cmd *cobra.Command, args []string) error {
	outputPath, _ := cmd.Flags().GetString("output")
	out := cmd.OutOrStdout()
	reader := bufio.NewReader(cmd.InOrStdin())

	fmt.Fprintln(out, "reqchat configuration setup")
	fmt.Fprintln(out)

	if _, err := os.Stat(outputPath); err == nil {
		fmt.Fprintf(out, "Configuration file '%s' already exists.\n", outputPath)
		if !promptYesNo(reader, out, "Overwrite?", false) {
			fmt.Fprintln(out, "Canceled.")
			return nil
		}
		fmt.Fprintln(out)
	}

	cfg, err := promptConfig(reader, out)
	if err != nil {
		return err
	}

	if err := cfg.SaveConfig(outputPath); err != nil {
		return err
	}

	fmt.Fprintf(out, "\nConfiguration saved to: %s\n\n", outputPath)
	fmt.Fprintln(out, "Next steps:")
	fmt.Fprintln(out, "  1. Run: reqchat doctor --config "+outputPath)
	fmt.Fprintln(out, "  2. Start chatting: reqchat chat --config "+outputPath)
	return nil
}

// promptConfig asks for the settings people usually change and keeps the
// defaults for the rest.
func promptConfig(reader *bufio.Reader, out io.Writer) (*config.Config, error) {
	cfg := config.NewDefaultConfig()

	fmt.Fprintln(out, "Agent connection")
	cfg.Channel.URL = promptString(reader, out, "WebSocket URL", cfg.Channel.URL)
	cfg.Channel.MaxReconnectAttempts = promptInt(reader, out, "Reconnect attempts", cfg.Channel.MaxReconnectAttempts)

	fmt.Fprintln(out, "\nAnalysis pipeline")
	cfg.Pipeline.BaseURL = promptString(reader, out, "Backend URL", cfg.Pipeline.BaseURL)
	cfg.History.BaseURL = cfg.Pipeline.BaseURL
	cfg.Pipeline.ProjectID = promptString(reader, out, "Project id", "")
	cfg.Pipeline.RateLimit = promptFloat(reader, out, "Pipeline requests per second (0 for no limit)", 0)
	if cfg.Pipeline.RateLimit > 0 {
		cfg.Pipeline.RateLimitBurst = 1
	}

	fmt.Fprintln(out, "\nHistory")
	cfg.History.ConversationID = promptString(reader, out, "Conversation id to resume", "")

	fmt.Fprintln(out, "\nChat logs")
	cfg.Logging.Enabled = promptYesNo(reader, out, "Save chat logs?", true)
	if cfg.Logging.Enabled {
		cfg.Logging.ChatLogDir = promptString(reader, out, "Log directory", cfg.Logging.ChatLogDir)
		cfg.Logging.LogFormat = promptChoice(reader, out, "Log format", []string{"text", "json"}, 1)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

func promptString(reader *bufio.Reader, out io.Writer, prompt, defaultValue string) string {
	if defaultValue != "" {
		fmt.Fprintf(out, "%s (default: %s): ", prompt, defaultValue)
	} else {
		fmt.Fprintf(out, "%s (leave empty to skip): ", prompt)
	}

	input, _ := reader.ReadString('\n')
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultValue
	}
	return input
}

func promptInt(reader *bufio.Reader, out io.Writer, prompt string, defaultValue int) int {
	for {
		fmt.Fprintf(out, "%s (default: %d): ", prompt, defaultValue)
		input, err := reader.ReadString('\n')
		input = strings.TrimSpace(input)

		if input == "" {
			return defaultValue
		}

		value, convErr := strconv.Atoi(input)
		if convErr != nil {
			fmt.Fprintln(out, "  Invalid number. Please try again.")
			if err != nil {
				return defaultValue
			}
			continue
		}
		return value
	}
}

func promptFloat(reader *bufio.Reader, out io.Writer, prompt string, defaultValue float64) float64 {
	for {
		fmt.Fprintf(out, "%s (default: %.1f): ", prompt, defaultValue)
		input, err := reader.ReadString('\n')
		input = strings.TrimSpace(input)

		if input == "" {
			return defaultValue
		}

		value, convErr := strconv.ParseFloat(input, 64)
		if convErr != nil {
			fmt.Fprintln(out, "  Invalid number. Please try again.")
			if err != nil {
				return defaultValue
			}
			continue
		}
		return value
	}
}

func promptYesNo(reader *bufio.Reader, out io.Writer, prompt string, defaultValue bool) bool {
	defaultStr := "y/N"
	if defaultValue {
		defaultStr = "Y/n"
	}

	for {
		fmt.Fprintf(out, "%s [%s]: ", prompt, defaultStr)
		input, err := reader.ReadString('\n')
		input = strings.TrimSpace(strings.ToLower(input))

		switch input {
		case "":
			return defaultValue
		case "y", "yes":
			return true
		case "n", "no":
			return false
		}

		fmt.Fprintln(out, "  Please answer 'y' or 'n'")
		if err != nil {
			return defaultValue
		}
	}
}

func promptChoice(reader *bufio.Reader, out io.Writer, prompt string, choices []string, defaultIndex int) string {
	for {
		fmt.Fprintf(out, "%s [%s] (1-%d, default: %d): ", prompt, strings.Join(choices, ", "), len(choices), defaultIndex)
		input, err := reader.ReadString('\n')
		input = strings.TrimSpace(input)

		if input == "" {
			return choices[defaultIndex-1]
		}

		choice, convErr := strconv.Atoi(input)
		if convErr != nil || choice < 1 || choice > len(choices) {
			fmt.Fprintf(out, "  Please select a number between 1 and %d\n", len(choices))
			if err != nil {
				return choices[defaultIndex-1]
			}
			continue
		}

		return choices[choice-1]
	}
}
