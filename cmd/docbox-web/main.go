// DocBox Web
//
// Local web front for a document-management server:
// - Lazy folder tree backed by the entity cache
// - Optimistic folder/document mutations with rollback
// - Session-gated pages and JSON API
// - SSE change stream
// - On-disk content cache
// - Optional hot folder upload
// - Prometheus metrics & structured logging (zap)
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/fruitsalade/docbox/internal/browser"
	"github.com/fruitsalade/docbox/internal/config"
	"github.com/fruitsalade/docbox/internal/events"
	"github.com/fruitsalade/docbox/internal/hotfolder"
	"github.com/fruitsalade/docbox/internal/logging"
	"github.com/fruitsalade/docbox/internal/metrics"
	"github.com/fruitsalade/docbox/internal/web"
	"github.com/fruitsalade/docbox/pkg/cache"
	"github.com/fruitsalade/docbox/pkg/client"
	"github.com/fruitsalade/docbox/pkg/tree"
)

func main() {
	configFile := flag.String("config", "", "Config file (default: search for docbox.yaml)")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		// Can't use structured logging yet
		panic("configuration error: " + err.Error())
	}

	if err := logging.Init(logging.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
	}); err != nil {
		panic("logging init error: " + err.Error())
	}
	defer logging.Sync()

	logging.Info("DocBox web starting...",
		zap.String("server", cfg.Server.URL),
		zap.String("listen", cfg.Web.ListenAddr),
		zap.String("metrics", cfg.Web.MetricsAddr))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	gw, err := client.New(cfg.ClientConfig())
	if err != nil {
		logging.Fatal("client init failed", zap.Error(err))
	}
	// Reuse a session saved by the CLI for the same server.
	if sf, err := client.LoadSession(); err == nil && gw.RestoreSession(sf) {
		logging.Info("restored saved session", zap.String("user", sf.Username))
	}

	var content *cache.ContentCache
	if cfg.Content.MaxBytes > 0 {
		content, err = cache.NewContentCache(cfg.Content.Dir, cfg.Content.MaxBytes)
		if err != nil {
			logging.Fatal("content cache init failed", zap.Error(err))
		}
		size, maxSize, count := content.Stats()
		logging.Info("content cache ready",
			zap.String("dir", cfg.Content.Dir),
			zap.Int("files", count),
			zap.Int64("size", size),
			zap.Int64("max_size", maxSize))
	}

	broadcaster := events.NewBroadcaster()
	b := browser.New(gw, cache.Default(browser.CacheEvents(broadcaster)), tree.New(), browser.Options{
		RootID:  cfg.Server.RootFolder,
		Content: content,
		Events:  broadcaster,
	})
	defer b.Close()

	sessions := web.NewSessions(cfg.Web.CookieName, cfg.Web.SessionSecret, cfg.Web.SessionTTL)
	if cfg.Web.SessionSecret == "" {
		logging.Warn("web.session_secret not set; sessions will not survive a restart")
	}
	srv := web.NewServer(b, sessions, broadcaster, web.Options{
		AllowedOrigins: cfg.Web.AllowedOrigins,
		MaxUploadSize:  cfg.Web.MaxUploadSize,
	})

	if cfg.Hot.Dir != "" {
		hf, err := hotfolder.New(hotfolder.Config{
			Dir:      cfg.Hot.Dir,
			FolderID: cfg.Hot.FolderID,
			Debounce: cfg.Hot.Debounce,
		}, b)
		if err != nil {
			logging.Fatal("hot folder init failed", zap.Error(err))
		}
		go func() {
			if err := hf.Run(ctx); err != nil {
				logging.Error("hot folder stopped", zap.Error(err))
			}
		}()
	}

	metricsServer := &http.Server{
		Addr:    cfg.Web.MetricsAddr,
		Handler: metrics.Handler(),
	}
	if cfg.Web.MetricsAddr != "" {
		go func() {
			logging.Info("metrics server listening", zap.String("addr", cfg.Web.MetricsAddr))
			if err := metricsServer.ListenAndServe(); err != http.ErrServerClosed {
				logging.Error("metrics server error", zap.Error(err))
			}
		}()
	}

	httpServer := &http.Server{
		Addr:    cfg.Web.ListenAddr,
		Handler: srv.Handler(),
	}

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		logging.Info("shutting down...")
		cancel()
		httpServer.Close()
		metricsServer.Close()
	}()

	logging.Info("web front listening", zap.String("addr", cfg.Web.ListenAddr))
	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		logging.Fatal("server error", zap.Error(err))
	}
}
