package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/shawkym/reqchat/pkg/config"
	"github.com/shawkym/reqchat/pkg/connection"
	"github.com/shawkym/reqchat/pkg/log"
	"github.com/shawkym/reqchat/pkg/logger"
	"github.com/shawkym/reqchat/pkg/metrics"
	"github.com/shawkym/reqchat/pkg/session"
	"github.com/shawkym/reqchat/pkg/transcript"
	"github.com/shawkym/reqchat/pkg/tui"
)

var (
	useTUI         bool
	chatLogDir     string
	disableLogging bool
	metricsAddr    string
	watchConfig    bool
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Start an interactive conversation with the agent",
	Long: `Start an interactive conversation with the agent.

In line mode every input line is one message; end a line with a backslash
to continue the message on the next line. Lines starting with
/analyze, /pipeline or /report, and messages containing "Story:" blocks,
are sent to the analysis pipeline.

Line mode commands:
  /status      show the connection state
  /reconnect   dial again after the reconnect attempts ran out
  /quit        leave the conversation`,
	RunE: runChat,
}

func init() {
	rootCmd.AddCommand(chatCmd)

	chatCmd.Flags().BoolVarP(&useTUI, "tui", "t", false, "Use the full-screen interface")
	chatCmd.Flags().StringVar(&chatLogDir, "log-dir", "", "Directory to save chat logs (default: ~/.reqchat/chats)")
	chatCmd.Flags().BoolVar(&disableLogging, "no-log", false, "Disable chat logging")
	chatCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9090)")
	chatCmd.Flags().BoolVar(&watchConfig, "watch-config", false, "Watch the config file and apply reconnect and rate limit changes")
}

func runChat(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	applyChatFlags(cmd, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	go func() {
		select {
		case <-sigChan:
			log.Info("interrupted, shutting down")
			cancel()
		case <-ctx.Done():
		}
	}()

	var opts []session.Option
	if cfg.Metrics.Enabled {
		srv := metrics.NewServer(metrics.ServerConfig{Addr: cfg.Metrics.Addr})
		go func() {
			if err := srv.Start(); err != nil {
				fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
			}
		}()
		defer func() {
			stopCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
			defer stop()
			srv.Stop(stopCtx)
		}()
		opts = append(opts, session.WithMetrics(srv.GetMetrics()), session.ReportHealth(srv))
	}

	if useTUI {
		return runChatTUI(ctx, cfg, opts)
	}
	return runChatLines(ctx, cfg, opts, os.Stdin, os.Stdout)
}

// applyChatFlags copies the chat flags the user set onto cfg. Flags left
// at their defaults keep the config file values.
func applyChatFlags(cmd *cobra.Command, cfg *config.Config) {
	cmd.Flags().Visit(func(flag *pflag.Flag) {
		switch flag.Name {
		case "log-dir":
			cfg.Logging.ChatLogDir = chatLogDir
		case "no-log":
			cfg.Logging.Enabled = !disableLogging
		case "metrics-addr":
			cfg.Metrics.Enabled = metricsAddr != ""
			cfg.Metrics.Addr = metricsAddr
		}
	})
}

// runChatTUI runs the full-screen interface. Logs go to a file so they do
// not draw over the screen.
func runChatTUI(ctx context.Context, cfg *config.Config, opts []session.Option) error {
	logFile, err := openDiagnosticsLog()
	if err != nil {
		log.InitLogger(io.Discard, zerolog.InfoLevel, false)
	} else {
		defer logFile.Close()
		level := zerolog.InfoLevel
		if viper.GetBool("verbose") {
			level = zerolog.DebugLevel
		}
		log.InitLogger(logFile, level, false)
	}

	var chatLog *logger.ChatLogger
	if cfg.Logging.Enabled {
		chatLog, err = logger.NewChatLogger(cfg.Logging.ChatLogDir, cfg.Logging.LogFormat, nil)
		if err != nil {
			return err
		}
		defer chatLog.Close()
		opts = append(opts, session.OnHistory(func(entries []transcript.Entry) {
			for _, e := range entries {
				chatLog.LogEntry(e)
			}
		}))
	}

	sess, err := session.New(cfg, opts...)
	if err != nil {
		return err
	}
	if chatLog != nil {
		sess.Transcript().Observe(chatLog.LogEntry)
	}
	defer closeChatSession(sess, cfg.Pipeline.Timeout)

	stopWatcher := watchConfigFile(sess)
	defer stopWatcher()

	// Dial in the background so the screen shows the connecting state.
	go func() {
		if err := sess.Start(ctx); err != nil {
			log.WithError(err).Warn("session did not start")
		}
	}()

	return tui.Run(ctx, sess, sess.Transcript())
}

// runChatLines runs the plain line-oriented interface on in and out.
func runChatLines(ctx context.Context, cfg *config.Config, opts []session.Option, in io.Reader, out io.Writer) error {
	logDir := ""
	if cfg.Logging.Enabled {
		logDir = cfg.Logging.ChatLogDir
	}
	PrintLogo(out)
	chatLog, err := logger.NewChatLogger(logDir, cfg.Logging.LogFormat, out)
	if err != nil {
		return err
	}
	defer chatLog.Close()

	var sess *session.Session
	opts = append(opts,
		session.OnHistory(func(entries []transcript.Entry) {
			for _, e := range entries {
				chatLog.LogEntry(e)
			}
		}),
		session.WithStateListener(func(from, to connection.State) {
			chatLog.LogStatus(sess.Status().Label())
		}),
	)

	sess, err = session.New(cfg, opts...)
	if err != nil {
		return err
	}
	sess.Transcript().Observe(chatLog.LogEntry)
	defer closeChatSession(sess, cfg.Pipeline.Timeout)

	events, unsubscribe := sess.Transcript().Subscribe()
	defer unsubscribe()
	go func() {
		for ev := range events {
			if ev.Type == transcript.EventIndicator {
				chatLog.LogIndicator(ev.Indicator)
			}
		}
	}()

	stopWatcher := watchConfigFile(sess)
	defer stopWatcher()

	if err := sess.Start(ctx); err != nil {
		return err
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		sc.Buffer(make([]byte, 64*1024), cfg.Router.MaxUtteranceLength*4+1024)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	var pending []string
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				if len(pending) > 0 {
					sess.Submit(ctx, strings.Join(pending, "\n"))
				}
				return nil
			}
			if strings.HasSuffix(line, `\`) {
				pending = append(pending, strings.TrimSuffix(line, `\`))
				continue
			}
			pending = append(pending, line)
			text := strings.Join(pending, "\n")
			pending = nil

			switch strings.TrimSpace(text) {
			case "":
				continue
			case "/quit", "/exit":
				return nil
			case "/status":
				chatLog.LogStatus(sess.Status().Label())
				continue
			case "/reconnect":
				sess.Reconnect(ctx)
				continue
			}
			sess.Submit(ctx, text)
		}
	}
}

// watchConfigFile applies config file edits to sess when --watch-config is
// set. The returned func stops watching.
func watchConfigFile(sess *session.Session) func() {
	path := configPath()
	if !watchConfig || path == "" {
		return func() {}
	}

	watcher, err := config.NewConfigWatcher(path)
	if err != nil {
		log.WithError(err).Error("failed to create config watcher")
		fmt.Fprintf(os.Stderr, "Warning: Failed to create config watcher: %v\n", err)
		return func() {}
	}
	watcher.OnConfigChange(func(oldConfig, newConfig *config.Config) {
		sess.ApplyConfig(oldConfig, newConfig)

		body := "Configuration reloaded."
		if fields := config.RestartRequired(oldConfig, newConfig); len(fields) > 0 {
			body += " Restart to apply: " + strings.Join(fields, ", ")
		}
		sess.Transcript().Append(transcript.Entry{
			Author: transcript.AuthorSystem,
			Kind:   transcript.KindNotice,
			Body:   body,
		})
	})
	go watcher.StartWatching()
	return watcher.StopWatching
}

// closeChatSession gives running pipeline calls up to timeout to finish.
func closeChatSession(sess *session.Session, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := sess.Close(ctx); err != nil {
		log.WithError(err).Warn("pipeline calls still running at exit")
	}
}

func openDiagnosticsLog() (*os.File, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}
	dir := filepath.Join(home, ".reqchat")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	return os.OpenFile(filepath.Join(dir, "reqchat.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
}
