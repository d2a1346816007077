package main

import (
	"context"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/agentflow/relay/internal/api"
	"github.com/agentflow/relay/internal/config"
	"github.com/agentflow/relay/internal/frontend"
	"github.com/agentflow/relay/internal/logging"
	"github.com/agentflow/relay/internal/mock"
	"github.com/agentflow/relay/internal/relay"
	"github.com/agentflow/relay/internal/store"
	"github.com/agentflow/relay/internal/trigger"
	"github.com/agentflow/relay/internal/upstream"
)

func main() {
	mockMode := flag.Bool("mock", false, "Run the built-in scripted workflow engine instead of real agents")
	devMode := flag.Bool("dev", false, "Development mode (serve the viewer from the filesystem)")
	configPath := flag.String("config", "config.yaml", "Path to config file")
	port := flag.Int("port", 0, "Override server port")
	flag.Parse()

	cfg, err := config.LoadOrDefault(*configPath)
	if err != nil {
		logger := logging.Base()
		logger.Fatal().Err(err).Str("path", *configPath).Msg("load config")
	}
	if *port > 0 {
		cfg.Server.Port = *port
	}

	logging.Configure(logging.Config{Level: cfg.Log.Level})
	log := logging.WithComponent("main")

	records, err := store.OpenSQLite(cfg.Store.Path)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.Store.Path).Msg("open store")
	}

	hub := relay.NewHub(cfg.Relay.HeartbeatInterval, cfg.Relay.SubscriberBuffer)
	connector := upstream.NewConnector(cfg.Upstream.ConnectTimeout)
	rl := relay.New(hub, records, connector, cfg.Relay.InboxBuffer)

	var directory trigger.AgentDirectory
	if *mockMode {
		log.Info().Msg("starting in mock mode")
		directory, err = startMockEngine()
		if err != nil {
			log.Fatal().Err(err).Msg("start mock engine")
		}
	} else {
		agents := make([]trigger.Agent, 0, len(cfg.Agents))
		for _, a := range cfg.Agents {
			name := a.Name
			if name == "" {
				name = a.ID
			}
			agents = append(agents, trigger.Agent{ID: a.ID, Name: name, WebhookURL: a.WebhookURL})
		}
		if len(agents) == 0 {
			log.Warn().Msg("no agents configured; nothing can be triggered (try -mock)")
		}
		directory = trigger.NewStaticDirectory("local", agents)
	}

	orch := trigger.NewOrchestrator(directory, records, rl, cfg.Upstream.TriggerTimeout)
	server := api.NewServer(cfg.Server, orch, rl, records, viewerHandler(*devMode))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info().Msg("shutting down")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		rl.Shutdown(ctx)
		if err := records.Close(); err != nil {
			log.Error().Err(err).Msg("close store")
		}
		os.Exit(0)
	}()

	if err := api.ListenAndServe(cfg.Server.Host, cfg.Server.Port, server.Router()); err != nil {
		log.Fatal().Err(err).Msg("server error")
	}
}

// startMockEngine runs the scripted engine on a loopback listener and
// returns a directory whose agents point at it.
func startMockEngine() (trigger.AgentDirectory, error) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}

	engine := mock.NewEngine(nil)
	baseURL := "http://" + lis.Addr().String()
	engine.SetBaseURL(baseURL)

	go func() {
		srv := &http.Server{Handler: engine.Handler()}
		if err := srv.Serve(lis); err != nil && err != http.ErrServerClosed {
			logger := logging.WithComponent("mock-engine")
			logger.Error().Err(err).Msg("engine serve")
		}
	}()

	logger := logging.WithComponent("mock-engine")
	logger.Info().Str("addr", baseURL).Msg("scripted engine listening")
	return mock.NewDirectory(baseURL, nil), nil
}

// viewerHandler picks the viewer source: the embedded bundle when built
// with -tags embed, otherwise the static directory on disk. Dev mode
// always reads from disk so edits show up on reload.
func viewerHandler(dev bool) http.Handler {
	const staticDir = "internal/frontend/static"

	if !dev {
		if h := frontend.Handler(); h != nil {
			return h
		}
	}
	if _, err := os.Stat(staticDir); err == nil {
		logger := logging.WithComponent("main")
		logger.Info().Str("dir", staticDir).Msg("serving viewer from filesystem")
		return http.FileServer(http.Dir(staticDir))
	}
	return nil
}
