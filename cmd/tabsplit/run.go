package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	tabsplit "github.com/tabsplit/tabsplit/sdk/golang"
)

var (
	runConversations []string
	runSubscribe     []string
	runListen        string
	runProbe         time.Duration
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the sync engine until interrupted",
	Long: `Run the sync engine in the foreground.

Connectivity follows the offline marker in the data directory
('touch <data_dir>/offline' to go offline) or, with --probe, a periodic
health check of the server. Queued mutations drain in the background and
every --conversation is watched for live messages.

With the webhook transport or metrics.addr set, an HTTP server listens on
--listen (default metrics.addr) serving /webhook and /metrics.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)

		a, err := openApp(appOptions{registerer: reg})
		if err != nil {
			return err
		}
		defer a.Close()
		log := a.log.With().Str("component", "cli").Logger()

		eng := a.engine
		eng.On(tabsplit.EventQueueStalled, func(ev tabsplit.Event) {
			log.Warn().Str("queue_id", ev.QueueID).Str("error", ev.Error).Msg("queue stalled; run 'tabsplit retry' or reconnect")
		})
		eng.On(tabsplit.EventSyncPaused, func(ev tabsplit.Event) {
			log.Error().Str("error", ev.Error).Msg("token rejected; sync paused")
		})
		eng.On(tabsplit.EventMessageReceived, func(ev tabsplit.Event) {
			if m, ok := ev.Record.(*tabsplit.Message); ok {
				fmt.Printf("[%s] %s: %s\n", m.ConversationID, m.SenderID, m.Text)
			}
		})

		eng.Start(ctx)
		for _, conv := range runConversations {
			defer eng.Messages.Watch(conv)()
		}
		for _, key := range runSubscribe {
			defer eng.Subscribe(key)()
		}

		var provider tabsplit.ConnectivityProvider = a.conn
		if runProbe > 0 {
			provider = &tabsplit.ProbeConnectivity{Probe: a.client.Probe, Interval: runProbe}
		}

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			err := eng.Monitor.Run(gctx, provider)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})

		addr := runListen
		if addr == "" {
			addr = a.cfg.Metrics.Addr
		}
		if addr == "" && a.webhook != nil {
			addr = ":8080"
		}
		if addr != "" {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
			if a.webhook != nil {
				mux.Handle("/webhook", a.webhook.HTTPHandler())
			}
			server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

			g.Go(func() error {
				log.Info().Str("addr", addr).Msg("listening")
				if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return fmt.Errorf("http server: %w", err)
				}
				return nil
			})
			g.Go(func() error {
				<-gctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return server.Shutdown(shutdownCtx)
			})
		}

		log.Info().Int("queued", eng.Queue.Len()).Strs("conversations", runConversations).Msg("running")
		err = g.Wait()
		log.Info().Int("queued", eng.Queue.Len()).Msg("stopped")
		return err
	},
}

func init() {
	runCmd.Flags().StringSliceVarP(&runConversations, "conversation", "c", nil, "Conversation id to watch (repeatable)")
	runCmd.Flags().StringSliceVar(&runSubscribe, "subscribe", nil, "Other resource key to merge into the cache, e.g. group:g-1 (repeatable)")
	runCmd.Flags().StringVar(&runListen, "listen", "", "Address for /webhook and /metrics (default metrics.addr)")
	runCmd.Flags().DurationVar(&runProbe, "probe", 0, "Probe the server at this interval instead of watching the offline marker")

	rootCmd.AddCommand(runCmd)
}
