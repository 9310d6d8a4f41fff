package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nghyane/qwen-proxy/internal/api"
	"github.com/nghyane/qwen-proxy/internal/auth/qwen"
	"github.com/nghyane/qwen-proxy/internal/bootstrap"
	"github.com/nghyane/qwen-proxy/internal/dispatch"
	"github.com/nghyane/qwen-proxy/internal/logging"
	log "github.com/nghyane/qwen-proxy/internal/logging"
	"github.com/nghyane/qwen-proxy/internal/oauth"
	"github.com/nghyane/qwen-proxy/internal/pool"
	"github.com/nghyane/qwen-proxy/internal/scheduler"
	"github.com/nghyane/qwen-proxy/internal/store"
	"github.com/nghyane/qwen-proxy/internal/util"
	"github.com/nghyane/qwen-proxy/internal/version"
	"github.com/spf13/cobra"
)

var (
	servePort    int
	serveLogFile string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the qwen-proxy server",
	Long: `Start the qwen-proxy server.

Loads configuration from the environment (and .env when present), opens
the token database, starts the background refresh scheduler and serves
the admin and OpenAI-compatible HTTP APIs.`,
	Run: func(c *cobra.Command, args []string) {
		runServe()
	},
}

func runServe() {
	logging.SetupBaseLogger()

	cfg, err := bootstrap.Bootstrap()
	if err != nil {
		log.Fatalf("Failed to bootstrap: %v", err)
	}

	if servePort != 0 {
		cfg.Port = servePort
	}
	if err := logging.ConfigureLogOutput(serveLogFile); err != nil {
		log.Fatalf("Failed to configure log output: %v", err)
	}

	st, err := store.Open(cfg.DatabasePath)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer func() {
		if errClose := st.Close(); errClose != nil {
			log.Errorf("failed to close database: %v", errClose)
		}
	}()

	loc := util.LoadLocation(cfg.Timezone)
	probe := version.NewProbe(st)
	client := qwen.NewClient(cfg, probe.UserAgent)

	tokenPool := pool.New(st, client, loc)
	if err := tokenPool.Reload(context.Background()); err != nil {
		log.Fatalf("Failed to load token pool: %v", err)
	}
	log.Infof("token pool loaded, %d token(s)", tokenPool.Len())

	coord := oauth.NewCoordinator(client)
	dispatcher := dispatch.New(cfg, tokenPool, st, loc, probe.UserAgent)

	var sched *scheduler.Scheduler
	if cfg.SchedulerEnabled {
		interval := time.Duration(cfg.RefreshIntervalMinutes) * time.Minute
		secondsCadence := false
		if cfg.RefreshIntervalSeconds > 0 {
			interval = time.Duration(cfg.RefreshIntervalSeconds) * time.Second
			secondsCadence = true
		}
		sched = scheduler.New(tokenPool, probe, interval, secondsCadence)
		sched.Start()
		defer sched.Stop()
	} else {
		log.Infof("token refresh scheduler disabled")
	}

	server := api.New(cfg, tokenPool, st, coord, dispatcher, sched, loc)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Infof("qwen-proxy listening on %s:%d", cfg.Host, cfg.Port)
	if err := server.Start(ctx); err != nil {
		log.Fatalf("Server error: %v", err)
	}
	log.Infof("shutdown complete")
}

func init() {
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 0, "override server port")
	serveCmd.Flags().StringVar(&serveLogFile, "log-file", "", "also write logs to a rotating file")
	rootCmd.AddCommand(serveCmd)
}
