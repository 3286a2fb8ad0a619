package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/shawkym/reqchat/pkg/config"
	"github.com/shawkym/reqchat/pkg/log"
	"github.com/shawkym/reqchat/pkg/pipeline"
	"github.com/shawkym/reqchat/pkg/ratelimit"
)

var (
	pipelineStage  string
	pipelineOutput string
)

var pipelineCmd = &cobra.Command{
	Use:   "pipeline [file]",
	Short: "Run the analysis pipeline once on stories from a file or stdin",
	Long: `Send user stories to the analysis pipeline and print the result.

The input is read from the file argument, or from stdin when no file or "-"
is given. Text with "Story:" blocks is split into stories; other text is
sent as raw text.

Stages:
  full          analysis, requirements, prioritization and report (default)
  analyze       analyzer stage only
  requirements  requirement extraction and prioritization
  report        requirements, then the report built from them

Examples:
  reqchat pipeline stories.txt
  cat stories.txt | reqchat pipeline --stage analyze --output json`,
	Args: cobra.MaximumNArgs(1),
	RunE: runPipeline,
}

func init() {
	rootCmd.AddCommand(pipelineCmd)

	pipelineCmd.Flags().StringVar(&pipelineStage, "stage", "full", "Pipeline stage (full, analyze, requirements, report)")
	pipelineCmd.Flags().StringVarP(&pipelineOutput, "output", "o", "text", "Output format (text, json)")
}

func runPipeline(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	var in io.Reader = cmd.InOrStdin()
	if len(args) == 1 && args[0] != "-" {
		f, err := os.Open(args[0])
		if err != nil {
			return fmt.Errorf("failed to open input: %w", err)
		}
		defer f.Close()
		in = f
	}
	data, err := io.ReadAll(in)
	if err != nil {
		return fmt.Errorf("failed to read input: %w", err)
	}

	client := newPipelineClient(cfg)
	return runStage(cmd.Context(), client, pipelineStage, string(data), cfg.Pipeline.ProjectID, pipelineOutput, cmd.OutOrStdout())
}

func newPipelineClient(cfg *config.Config) *pipeline.Client {
	opts := []pipeline.Option{pipeline.WithTimeout(cfg.Pipeline.Timeout)}
	if cfg.Pipeline.RateLimit > 0 {
		opts = append(opts, pipeline.WithLimiter(ratelimit.NewLimiter(cfg.Pipeline.RateLimit, cfg.Pipeline.RateLimitBurst)))
	}
	return pipeline.NewClient(cfg.Pipeline.BaseURL, opts...)
}

// storiesFrom parses story blocks, falling back to one story holding the
// whole text.
func storiesFrom(text string) []pipeline.Story {
	if stories := pipeline.ParseStories(text); len(stories) > 0 {
		return stories
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	return []pipeline.Story{{ID: "1", Description: text}}
}

func runStage(ctx context.Context, client *pipeline.Client, stage, text, projectID, output string, out io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if strings.TrimSpace(text) == "" {
		return errors.New("no input: provide stories in a file or on stdin")
	}
	if output != "text" && output != "json" {
		return fmt.Errorf("invalid output format: %s (use text or json)", output)
	}

	log.WithFields(map[string]interface{}{
		"stage": stage,
		"size":  len(text),
	}).Debug("running pipeline")

	var (
		result  *pipeline.Result
		payload interface{}
	)
	switch stage {
	case "full":
		req := pipeline.Request{ProjectID: projectID}
		if stories := pipeline.ParseStories(text); len(stories) > 0 {
			req.Stories = stories
		} else {
			req.RawText = text
		}
		res, err := client.Run(ctx, req)
		if err != nil {
			return fmt.Errorf("pipeline failed: %w", err)
		}
		result, payload = res, res

	case "analyze":
		a, err := client.Analyze(ctx, storiesFrom(text))
		if err != nil {
			return fmt.Errorf("analysis failed: %w", err)
		}
		result = &pipeline.Result{Analysis: a}
		payload = a

	case "requirements":
		reqs, err := client.ExtractAndPrioritize(ctx, storiesFrom(text))
		if err != nil {
			return fmt.Errorf("requirement extraction failed: %w", err)
		}
		result = &pipeline.Result{Requirements: reqs, Prioritized: reqs}
		payload = reqs

	case "report":
		reqs, err := client.ExtractAndPrioritize(ctx, storiesFrom(text))
		if err != nil {
			return fmt.Errorf("requirement extraction failed: %w", err)
		}
		rep, err := client.BuildReport(ctx, reqs, projectID)
		if err != nil {
			return fmt.Errorf("report failed: %w", err)
		}
		result = &pipeline.Result{Requirements: reqs, Prioritized: reqs, Report: rep}
		payload = result

	default:
		return fmt.Errorf("unknown stage: %s (use full, analyze, requirements or report)", stage)
	}

	if output == "json" {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(payload)
	}
	_, err := fmt.Fprintln(out, pipeline.Summarize(result))
	return err
}
