package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/shawkym/reqchat/pkg/config"
	"github.com/shawkym/reqchat/pkg/connection"
)

// SystemCheck is one doctor result line.
type SystemCheck struct {
	Name    string `json:"name"`
	Status  bool   `json:"status"`
	Message string `json:"message"`
	Icon    string `json:"icon,omitempty"`
}

// DoctorOutput is the full doctor report.
type DoctorOutput struct {
	SystemEnvironment []SystemCheck `json:"system_environment"`
	Configuration     []SystemCheck `json:"configuration"`
	Backend           []SystemCheck `json:"backend"`
	Ready             bool          `json:"ready"`
}

var (
	doctorJSON    bool
	doctorTimeout time.Duration
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check the configuration and that the agent backend is reachable",
	Long: `Doctor validates the configuration, then dials the agent channel and
contacts the pipeline backend once to confirm both are reachable.`,
	RunE: runDoctor,
}

func init() {
	rootCmd.AddCommand(doctorCmd)
	doctorCmd.Flags().BoolVar(&doctorJSON, "json", false, "Output results in JSON format")
	doctorCmd.Flags().DurationVar(&doctorTimeout, "timeout", 5*time.Second, "Timeout for each backend check")
}

func runDoctor(cmd *cobra.Command, args []string) error {
	output := DoctorOutput{SystemEnvironment: performSystemChecks()}

	cfg, err := loadConfig()
	if err != nil {
		output.Configuration = []SystemCheck{failCheck("Configuration", err.Error())}
	} else {
		output.Configuration = performConfigChecks(cfg)
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		output.Backend = performBackendChecks(ctx, cfg, &connection.WebSocketDialer{}, doctorTimeout)
	}

	output.Ready = err == nil && allPassed(output.Backend)

	out := cmd.OutOrStdout()
	if doctorJSON {
		data, err := json.MarshalIndent(output, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to generate JSON output: %w", err)
		}
		fmt.Fprintln(out, string(data))
	} else {
		printHumanReadableOutput(out, output)
	}

	if !output.Ready {
		return fmt.Errorf("reqchat is not ready")
	}
	return nil
}

func printHumanReadableOutput(out io.Writer, output DoctorOutput) {
	fmt.Fprintln(out, "\nreqchat doctor")
	fmt.Fprintln(out, strings.Repeat("=", 61))

	sections := []struct {
		title  string
		checks []SystemCheck
	}{
		{"SYSTEM ENVIRONMENT", output.SystemEnvironment},
		{"CONFIGURATION", output.Configuration},
		{"BACKEND", output.Backend},
	}
	for _, section := range sections {
		if len(section.checks) == 0 {
			continue
		}
		fmt.Fprintf(out, "\n%s\n", section.title)
		fmt.Fprintln(out, strings.Repeat("-", 61))
		for _, check := range section.checks {
			fmt.Fprintf(out, "  %s %s: %s\n", check.Icon, check.Name, check.Message)
		}
	}

	fmt.Fprintln(out, "\n"+strings.Repeat("=", 61))
	if output.Ready {
		fmt.Fprintln(out, "reqchat is ready. Run 'reqchat chat' to start a conversation.")
	} else {
		fmt.Fprintln(out, "Fix the failed checks above, then run 'reqchat doctor' again.")
	}
	fmt.Fprintln(out)
}

func passCheck(name, message string) SystemCheck {
	return SystemCheck{Name: name, Status: true, Message: message, Icon: "[ok]"}
}

func failCheck(name, message string) SystemCheck {
	return SystemCheck{Name: name, Status: false, Message: message, Icon: "[!!]"}
}

func infoCheck(name, message string) SystemCheck {
	return SystemCheck{Name: name, Status: true, Message: message, Icon: "[--]"}
}

func allPassed(checks []SystemCheck) bool {
	for _, c := range checks {
		if !c.Status {
			return false
		}
	}
	return true
}

func performSystemChecks() []SystemCheck {
	checks := []SystemCheck{
		passCheck("Go Runtime", fmt.Sprintf("%s (%s/%s)", runtime.Version(), runtime.GOOS, runtime.GOARCH)),
	}

	if homeDir, err := os.UserHomeDir(); err == nil {
		checks = append(checks, passCheck("Home Directory", homeDir))
	} else {
		checks = append(checks, failCheck("Home Directory", err.Error()))
	}
	return checks
}

func performConfigChecks(cfg *config.Config) []SystemCheck {
	var checks []SystemCheck

	if path := configPath(); path != "" {
		checks = append(checks, passCheck("Config File", path))
	} else {
		checks = append(checks, infoCheck("Config File", "none found, using defaults (run 'reqchat init' to create one)"))
	}

	checks = append(checks,
		passCheck("Agent Channel", cfg.Channel.URL),
		passCheck("Reconnect Policy", fmt.Sprintf("%d attempts, %s apart", cfg.Channel.MaxReconnectAttempts, cfg.Channel.ReconnectInterval)),
		passCheck("Pipeline Backend", cfg.Pipeline.BaseURL),
	)

	if !cfg.Logging.Enabled {
		checks = append(checks, infoCheck("Chat Logs", "disabled"))
	} else if _, err := os.Stat(cfg.Logging.ChatLogDir); err == nil {
		checks = append(checks, passCheck("Chat Logs", cfg.Logging.ChatLogDir))
	} else {
		checks = append(checks, infoCheck("Chat Logs", cfg.Logging.ChatLogDir+" (created on first use)"))
	}
	return checks
}

// performBackendChecks dials the channel once and makes one request to the
// pipeline backend. Any HTTP response counts as reachable.
func performBackendChecks(ctx context.Context, cfg *config.Config, dialer connection.Dialer, timeout time.Duration) []SystemCheck {
	var checks []SystemCheck

	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	t, err := dialer.Dial(dialCtx, cfg.Channel.URL)
	cancel()
	if err != nil {
		checks = append(checks, failCheck("Agent Channel", err.Error()))
	} else {
		t.Close()
		checks = append(checks, passCheck("Agent Channel", "connected"))
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, strings.TrimRight(cfg.Pipeline.BaseURL, "/")+"/", nil)
	if err != nil {
		return append(checks, failCheck("Pipeline Backend", err.Error()))
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return append(checks, failCheck("Pipeline Backend", err.Error()))
	}
	resp.Body.Close()
	return append(checks, passCheck("Pipeline Backend", fmt.Sprintf("reachable (HTTP %d)", resp.StatusCode)))
}
