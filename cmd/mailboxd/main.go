// Command mailboxd bootstraps the mailbox fabric's Runtime: it loads
// configuration, activates a demonstration echo mailbox, serves the gRPC
// control plane, and waits for a shutdown signal — the same
// load-start-wait-stop shape as the teacher's patterns/core/plugin.go
// Bootstrap, minus the plugin-lifecycle interface this core has no IDL
// for.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/dashingfabric/mailbox/internal/config"
	"github.com/dashingfabric/mailbox/internal/handler"
	"github.com/dashingfabric/mailbox/internal/mailbox"
	"github.com/dashingfabric/mailbox/internal/message"
	"github.com/dashingfabric/mailbox/internal/runtime"
)

func main() {
	configPath := flag.String("config", "", "path to runtime.yaml (omit to use built-in defaults)")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	rt, err := runtime.NewRuntime(cfg)
	if err != nil {
		slog.Error("failed to start runtime", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	echoOwner, err := startEchoMailbox(rt)
	if err != nil {
		slog.Error("failed to start echo mailbox", "error", err)
		os.Exit(1)
	}

	if err := rt.ServeControlPlane(ctx, cfg.ControlPlane.Port); err != nil {
		slog.Error("failed to start control plane", "error", err)
		os.Exit(1)
	}

	slog.Info("mailboxd ready", "control_plane_port", cfg.ControlPlane.Port)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	sig := <-sigChan
	slog.Info("received shutdown signal", "signal", sig)

	cancel()
	_ = echoOwner.Deactivate()
	rt.Shutdown(context.Background())
	slog.Info("mailboxd stopped")
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

const echoMessageID = 1

type echoMessage struct {
	message.Base
	Payload string
}

func (m *echoMessage) Serialize(buf *message.Buffer) error { return buf.PutString(m.Payload) }
func (m *echoMessage) Deserialize(buf *message.Buffer) error {
	p, err := buf.GetString()
	m.Payload = p
	return err
}

// startEchoMailbox activates a LOCAL mailbox named "echo" with a one-line
// handler that logs every payload it receives — a minimal demonstration
// of the handler.List + Processor dispatch loop wired up against a live
// mailbox.
func startEchoMailbox(rt *runtime.Runtime) (*mailbox.OwnerHandle, error) {
	addr := message.Address{LocationType: message.Local, MailboxName: "echo"}
	mbx := mailbox.NewLocal(addr, rt.MLS, mailbox.DefaultLocalQueueBound, false)
	owner := mailbox.NewOwnerHandle(mbx)
	if err := owner.Activate(); err != nil {
		return nil, err
	}

	handlers := handler.NewList()
	handlers.Add(echoMessageID, func(msg message.Message) int {
		slog.Info("echo mailbox received message", "payload", msg.(*echoMessage).Payload)
		return 0
	})

	processor := handler.NewProcessor(handlers, owner)
	go processor.ProcessMailbox(1)

	return owner, nil
}
