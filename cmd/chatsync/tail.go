package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	chatsync "github.com/Prismer-AI/chatsync"
	"github.com/Prismer-AI/chatsync/internal/logging"
)

var (
	tailMetricsAddr   string
	tailWebhookAddr   string
	tailWebhookSecret string
	tailInput         bool
)

func init() {
	rootCmd.AddCommand(tailCmd)
	tailCmd.Flags().StringVar(&tailMetricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address (default metrics.addr)")
	tailCmd.Flags().StringVar(&tailWebhookAddr, "webhook-addr", "", "accept signed pushed frames on this address")
	tailCmd.Flags().StringVar(&tailWebhookSecret, "webhook-secret", os.Getenv("CHATSYNC_WEBHOOK_SECRET"), "HMAC secret for pushed frames")
	tailCmd.Flags().BoolVar(&tailInput, "input", false, "send lines read from stdin to the active conversation")
}

var tailCmd = &cobra.Command{
	Use:   "tail [conversation-id]",
	Short: "Follow a conversation until interrupted",
	Long: "Select a conversation (the last active one by default), print its history and follow new messages.\n" +
		"Messages typed with --input are queued while offline and delivered on reconnect.",
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		logger := logging.Component("tail")

		s, err := openSession(cfg)
		if err != nil {
			return err
		}
		defer s.Close()

		printer := newHistoryPrinter(os.Stdout)
		unsubscribe := s.engine.Subscribe(printer.update)
		defer unsubscribe()

		startCtx, cancel := context.WithTimeout(ctx, startTimeout)
		err = s.start(startCtx)
		cancel()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: %v (following cached state)\n", err)
		}

		if len(args) == 1 {
			id, err := parseConversationID(args[0])
			if err != nil {
				return err
			}
			if err := s.engine.SelectConversation(ctx, id); err != nil && !errors.Is(err, chatsync.ErrSuperseded) {
				fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
			}
		}
		printer.update(s.engine.State())

		addr := tailMetricsAddr
		if addr == "" {
			addr = cfg.Metrics.Addr
		}
		var servers []*http.Server
		if addr != "" {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
			servers = append(servers, serve(logger, "metrics", addr, mux))
		}
		if tailWebhookAddr != "" {
			wh, err := chatsync.NewFrameWebhook(tailWebhookSecret, s.engine,
				chatsync.WithWebhookLogger(logging.Component("webhook")))
			if err != nil {
				return err
			}
			mux := http.NewServeMux()
			mux.Handle("/frames", wh.HTTPHandler())
			servers = append(servers, serve(logger, "webhook", tailWebhookAddr, mux))
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			for _, srv := range servers {
				_ = srv.Shutdown(shutdownCtx)
			}
		}()

		if tailInput {
			go readInput(ctx, s.engine, logger)
		}

		<-ctx.Done()
		return nil
	},
}

func serve(logger zerolog.Logger, name, addr string, h http.Handler) *http.Server {
	srv := &http.Server{Addr: addr, Handler: h, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.Info().Str("addr", addr).Msgf("%s listening", name)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msgf("%s server stopped", name)
		}
	}()
	return srv
}

// readInput submits each stdin line to the active conversation.
func readInput(ctx context.Context, e *chatsync.Engine, logger zerolog.Logger) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		active := e.State().ActiveConversationID
		if active == nil {
			fmt.Fprintln(os.Stderr, "No active conversation; pass a conversation id to tail.")
			continue
		}
		if _, err := e.Submit(*active, line); err != nil {
			logger.Warn().Err(err).Msg("submit failed")
		}
	}
}

// historyPrinter prints each message of the active conversation once, and
// connection changes as they happen.
type historyPrinter struct {
	mu      sync.Mutex
	out     io.Writer
	active  int64
	printed map[string]bool
	shown   map[string]bool
	status  chatsync.ConnectionStatus
	lastErr string
}

func newHistoryPrinter(out io.Writer) *historyPrinter {
	return &historyPrinter{out: out, printed: map[string]bool{}, shown: map[string]bool{}}
}

func (p *historyPrinter) update(st chatsync.State) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if st.ConnectionStatus != p.status {
		p.status = st.ConnectionStatus
		fmt.Fprintf(p.out, "-- %s\n", strings.ToLower(string(st.ConnectionStatus)))
	}
	if st.LastError != "" && st.LastError != p.lastErr {
		fmt.Fprintf(p.out, "-- error: %s\n", st.LastError)
	}
	p.lastErr = st.LastError

	if st.ActiveConversationID == nil {
		return
	}
	if *st.ActiveConversationID != p.active {
		p.active = *st.ActiveConversationID
		p.printed = map[string]bool{}
		p.shown = map[string]bool{}
		fmt.Fprintf(p.out, "== conversation #%d\n", p.active)
	}

	now := time.Now()
	for _, m := range st.Messages(p.active) {
		key := messageKey(m)
		if p.printed[key] {
			continue
		}
		p.printed[key] = true
		if m.Local() {
			p.shown[echoKey(m)] = true
		} else if p.shown[echoKey(m)] {
			// Confirmed echo of a placeholder already on screen.
			delete(p.shown, echoKey(m))
			continue
		}
		fmt.Fprintln(p.out, formatMessage(m, now))
	}
}

func messageKey(m chatsync.Message) string {
	if m.ClientID != "" {
		return "c:" + m.ClientID
	}
	return fmt.Sprintf("m:%d", m.ID)
}

func echoKey(m chatsync.Message) string {
	return "e:" + m.SenderUsername + "|" + m.Content
}
