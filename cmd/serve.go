package cmd

import (
	"context"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/wangenius/shipmyagent/internal/channels/feishu"
	"github.com/wangenius/shipmyagent/internal/channels/qq"
	"github.com/wangenius/shipmyagent/internal/channels/telegram"
	"github.com/wangenius/shipmyagent/internal/httpapi"
	"github.com/wangenius/shipmyagent/internal/ingress"
	"github.com/wangenius/shipmyagent/internal/pathlayout"
	"github.com/wangenius/shipmyagent/internal/runtime"
	"github.com/wangenius/shipmyagent/internal/taskrunner"
	"github.com/wangenius/shipmyagent/internal/telemetry"
	"github.com/wangenius/shipmyagent/pkg/protocol"
)

const shutdownGrace = 10 * time.Second

// runServe builds a Runtime against rootDir, starts its Scheduler and HTTP
// API, and blocks until SIGINT/SIGTERM.
//
// A concrete LanguageModel is an external collaborator the core never
// constructs; serve uses placeholderModel only so the binary is runnable
// standalone without pulling in a provider SDK. An embedder wiring a real
// model calls runtime.New directly instead of this command.
func runServe() {
	logger := telemetry.Setup(pathlayout.New(rootDir).Root(), verbose)
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracing, err := telemetry.SetupTracing(ctx, httpapi.ServiceName)
	if err != nil {
		slog.Error("cmd: tracing setup failed", "error", err)
		os.Exit(1)
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	serverHost, serverPort := splitServerAddr(addr)
	rt := runtime.New(rootDir, placeholderModel{}, runtime.Options{ServerHost: serverHost, ServerPort: serverPort})
	pipeline := ingress.New(rt)

	startChannels(ctx, rt, pipeline)

	sched, err := taskrunner.New(rt)
	if err != nil {
		slog.Error("cmd: taskrunner init failed", "error", err)
		os.Exit(1)
	}
	go sched.Run(ctx)

	srv := httpapi.New(rt, sched, token)
	go func() {
		if err := srv.Serve(ctx, addr); err != nil {
			slog.Error("cmd: httpapi server error", "error", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	slog.Info("shipmyagent: serving", "version", Version, "root", rootDir, "addr", addr)

	sig := <-sigCh
	slog.Info("shipmyagent: shutting down", "signal", sig)
	cancel()
	rt.Shutdown(shutdownGrace)
}

// startChannels constructs and runs whichever channel adapters have
// credentials configured via environment variables (config-file parsing is
// out of scope, so env vars are the only source), registering each with
// rt.Egress so chat_send and the fallback sender can reach it. A channel
// with no credentials set is simply skipped; none are required to serve.
func startChannels(ctx context.Context, rt *runtime.Runtime, pipeline *ingress.Pipeline) {
	if tgToken := os.Getenv("SHIPMYAGENT_TELEGRAM_TOKEN"); tgToken != "" {
		ch, err := telegram.New(tgToken, pipeline, nil)
		if err != nil {
			slog.Error("cmd: telegram channel init failed", "error", err)
		} else {
			rt.Egress.Register(telegram.ChannelName, ch)
			go func() {
				if err := ch.Run(ctx); err != nil {
					slog.Error("cmd: telegram channel stopped", "error", err)
				}
			}()
			slog.Info("cmd: telegram channel started")
		}
	}

	if appID, secret := os.Getenv("SHIPMYAGENT_FEISHU_APP_ID"), os.Getenv("SHIPMYAGENT_FEISHU_APP_SECRET"); appID != "" && secret != "" {
		cfg := feishu.Config{
			AppID:             appID,
			AppSecret:         secret,
			Domain:            os.Getenv("SHIPMYAGENT_FEISHU_DOMAIN"),
			VerificationToken: os.Getenv("SHIPMYAGENT_FEISHU_VERIFICATION_TOKEN"),
			BotOpenID:         os.Getenv("SHIPMYAGENT_FEISHU_BOT_OPEN_ID"),
		}
		ch, err := feishu.New(cfg, pipeline, nil)
		if err != nil {
			slog.Error("cmd: feishu channel init failed", "error", err)
		} else {
			rt.Egress.Register(feishu.ChannelName, ch)
			webhookAddr := envOr("SHIPMYAGENT_FEISHU_WEBHOOK_ADDR", ":8788")
			go func() {
				if err := ch.Run(ctx, webhookAddr, "/feishu/events"); err != nil {
					slog.Error("cmd: feishu channel stopped", "error", err)
				}
			}()
			slog.Info("cmd: feishu channel started", "addr", webhookAddr)
		}
	}

	if appID, secret := os.Getenv("SHIPMYAGENT_QQ_APP_ID"), os.Getenv("SHIPMYAGENT_QQ_CLIENT_SECRET"); appID != "" && secret != "" {
		ch, err := qq.New(qq.Config{AppID: appID, ClientSecret: secret}, pipeline, nil)
		if err != nil {
			slog.Error("cmd: qq channel init failed", "error", err)
		} else {
			rt.Egress.Register(qq.ChannelName, ch)
			webhookAddr := envOr("SHIPMYAGENT_QQ_WEBHOOK_ADDR", ":8789")
			go func() {
				if err := ch.Run(ctx, webhookAddr, "/qq/events"); err != nil {
					slog.Error("cmd: qq channel stopped", "error", err)
				}
			}()
			slog.Info("cmd: qq channel started", "addr", webhookAddr)
		}
	}
}

// splitServerAddr turns a listen address like ":8787" or "0.0.0.0:8787" into
// the host/port pair shell children get as SMA_SERVER_HOST/SMA_SERVER_PORT;
// an empty host (the common "bind on all interfaces" form) resolves to the
// loopback address, since that's what a child process actually needs to dial.
func splitServerAddr(addr string) (host, port string) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "127.0.0.1", ""
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return host, port
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// placeholderModel always declines tool use and echoes a fixed notice; it
// exists only so `serve` has something to run against out of the box.
type placeholderModel struct{}

func (placeholderModel) Generate(ctx context.Context, req protocol.ModelRequest) (*protocol.ModelResponse, error) {
	return &protocol.ModelResponse{
		Content:      "no LanguageModel is configured — serve runs with placeholderModel; call runtime.New with a real provider client to replace it",
		FinishReason: "stop",
	}, nil
}
