package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/nullstream/ollama-lmstudio-proxy/event"
	"github.com/nullstream/ollama-lmstudio-proxy/proxy"
	"github.com/nullstream/ollama-lmstudio-proxy/proxy/config"
)

var (
	version string = "0"
	commit  string = "abcd1234"
	date    string = "unknown"
)

func main() {
	configPath := flag.String("config", "config.yaml", "config file name")
	listenStr := flag.String("listen", "", "listen ip/port")
	certFile := flag.String("tls-cert-file", "", "TLS certificate file")
	keyFile := flag.String("tls-key-file", "", "TLS key file")
	showVersion := flag.Bool("version", false, "show version of build")
	watchConfig := flag.Bool("watch-config", false, "automatically reload config file on change")

	flag.Parse()

	if *showVersion {
		fmt.Printf("version: %s (%s), built at %s\n", version, commit, date)
		os.Exit(0)
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		os.Exit(1)
	}

	if *listenStr != "" {
		cfg.Listen = *listenStr
	}
	if *certFile != "" {
		cfg.TLSCertFile = *certFile
	}
	if *keyFile != "" {
		cfg.TLSKeyFile = *keyFile
	}
	if *watchConfig {
		cfg.WatchConfig = true
	}
	if (cfg.TLSCertFile == "") != (cfg.TLSKeyFile == "") {
		fmt.Println("Error: both --tls-cert-file and --tls-key-file must be provided for TLS.")
		os.Exit(1)
	}

	if mode := os.Getenv("GIN_MODE"); mode != "" {
		gin.SetMode(mode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	if cfg.StateDir == "" {
		stateDir, err := os.MkdirTemp("", "ollama-lmstudio-proxy-state-*")
		if err != nil {
			fmt.Printf("Error creating default state directory: %v\n", err)
			os.Exit(1)
		}
		cfg.StateDir = stateDir
	}

	aliasPath := cfg.StateDir + "/virtual_models.json"
	aliasStore, err := proxy.LoadAliasStore(aliasPath)
	if err != nil {
		fmt.Printf("Error loading virtual alias store: %v\n", err)
		os.Exit(1)
	}

	logger := proxy.NewLogMonitor()
	logger.SetPrefix("proxy")

	shutdownTracing, err := proxy.InitTracing("ollama-lmstudio-proxy", cfg.OTLPEndpoint)
	if err != nil {
		logger.Warnf("tracing disabled: %v", err)
	} else {
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdownTracing(ctx)
		}()
	}

	exitChan := make(chan struct{})
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	srv := &http.Server{Addr: cfg.Listen}

	currentServer := proxy.NewServer(cfg, aliasStore, logger)
	srv.Handler = currentServer

	if cfg.WatchConfig {
		stopWatch, err := proxy.WatchConfigFile(*configPath, func(path string) {
			newCfg, err := config.LoadConfig(path)
			if err != nil {
				logger.Warnf("unable to reload configuration: %v", err)
				return
			}
			logger.Info("configuration changed, reloading")
			event.Emit(proxy.ConfigFileChangedEvent{ReloadingState: proxy.ReloadingStateStart})
			currentServer.Shutdown()
			currentServer = proxy.NewServer(newCfg, aliasStore, logger)
			srv.Handler = currentServer
			event.Emit(proxy.ConfigFileChangedEvent{ReloadingState: proxy.ReloadingStateEnd})
			logger.Info("configuration reloaded")
		})
		if err != nil {
			logger.Warnf("config file watching disabled: %v", err)
		} else {
			defer stopWatch()
			logger.Info("watching configuration for changes")
		}
	}

	go func() {
		sig := <-sigChan
		fmt.Printf("Received signal %v, shutting down...\n", sig)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		currentServer.Shutdown()
		if err := srv.Shutdown(ctx); err != nil {
			fmt.Printf("Server shutdown error: %v\n", err)
		}
		close(exitChan)
	}()

	go func() {
		var err error
		if cfg.UseTLS() {
			fmt.Printf("ollama-lmstudio-proxy listening with TLS on https://%s\n", cfg.Listen)
			err = srv.ListenAndServeTLS(cfg.TLSCertFile, cfg.TLSKeyFile)
		} else {
			fmt.Printf("ollama-lmstudio-proxy listening on http://%s\n", cfg.Listen)
			err = srv.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			log.Fatalf("Fatal server error: %v\n", err)
		}
	}()

	<-exitChan
}
