package main

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/urfave/cli/v2"

	"github.com/fieldlink/safetransfer/pkg/config"
	"github.com/fieldlink/safetransfer/pkg/fallback"
	"github.com/fieldlink/safetransfer/pkg/observer"
	"github.com/fieldlink/safetransfer/pkg/session"
	"github.com/fieldlink/safetransfer/pkg/storage"
	"github.com/fieldlink/safetransfer/pkg/substrate"
	"github.com/fieldlink/safetransfer/pkg/transfer"
)

// serveCommand stands up the TCP-fallback substrate listener, the
// session/transfer layers behind it, the fallback state machine, and the
// observer HTTP surface. Grounded on thelastdreamer-MultiWANBond/cmd/
// server/main.go's bootstrap-then-wait-for-signal shape, rebuilt over this
// module's own session/transfer/substrate packages in place of the
// teacher's bonder.
func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "run the safetransfer server",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Usage: "path to a config file (optional)"},
			&cli.StringFlag{Name: "key", Required: true, Usage: "hex-encoded substrate key, see keygen"},
		},
		Action: func(c *cli.Context) error {
			cfg, err := config.Load(c.String("config"))
			if err != nil {
				return err
			}
			key, err := loadKeyFlag(c)
			if err != nil {
				return err
			}

			store, err := storage.Open(cfg.Storage.ChunkDir, cfg.Storage.DBPath)
			if err != nil {
				return err
			}
			defer store.Close()

			sessions := session.NewManager(session.WithServerCapabilities(
				cfg.Session.MaxFileSize, cfg.Session.MaxConcurrentTransfers, []string{"resume", "compression", "fec", "multipath"},
			))
			transfers := transfer.NewManager(store,
				transfer.WithRootDir(cfg.Storage.RootDir),
				transfer.WithHashAlgorithm(cfg.HashAlgorithm()),
				transfer.WithMaxFileSize(cfg.Session.MaxFileSize),
			)
			machine := fallback.New(cfg.FallbackStrategy())

			hub := observer.NewHub()
			hub.Register(sessionProvider{sessions})
			hub.Register(fallbackProvider{machine})

			raw, err := net.Listen("tcp", cfg.Substrate.ListenAddress)
			if err != nil {
				return err
			}
			listener := substrate.NewTCPListener(raw, key)
			log.WithField("address", cfg.Substrate.ListenAddress).Info("listening")

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			go sweepIdleSessions(ctx, sessions)
			go runObserverHTTP(ctx, hub, cfg.Observer.BindAddress, cfg.Observer.CollectInterval)
			go acceptLoop(ctx, listener, sessions, transfers)

			sig := make(chan os.Signal, 1)
			signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
			<-sig
			log.Info("shutting down")
			cancel()
			return listener.Close()
		},
	}
}

func acceptLoop(ctx context.Context, listener substrate.Listener, sessions *session.Manager, transfers *transfer.Manager) {
	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				log.WithError(err).Warn("accept failed")
				continue
			}
		}
		go handleConn(conn, sessions, transfers)
	}
}

func handleConn(conn substrate.Conn, sessions *session.Manager, transfers *transfer.Manager) {
	defer conn.Close()

	stream, err := conn.AcceptStream()
	if err != nil {
		log.WithError(err).Warn("accept stream failed")
		return
	}

	var sessionID string
	for {
		msg, err := session.ReadMessage(stream)
		if err != nil {
			log.WithError(err).Debug("connection closed")
			return
		}

		now := time.Now()
		var reply session.Message
		switch m := msg.(type) {
		case *session.Connect:
			accepted, rejected, _, ok := sessions.HandleConnect(*m, now)
			if !ok {
				reply = rejected
			} else {
				sessionID = accepted.SessionID
				reply = accepted
			}
		case *session.ConnectionEstablished:
			if _, err := sessions.HandleConnectionEstablished(*m); err != nil {
				log.WithError(err).Warn("connection establishment failed")
				continue
			}
			continue
		case *session.StartTransfer:
			sessions.Touch(sessionID, now)
			accepted, rejected, ok := transfers.HandleStartTransfer(*m, now)
			if ok {
				reply = accepted
			} else {
				reply = rejected
			}
		case *session.SendChunk:
			sessions.Touch(sessionID, now)
			resp, err := transfers.HandleSendChunk(*m, now)
			if err != nil {
				log.WithError(err).Debug("chunk rejected")
				continue
			}
			if respMsg, ok := resp.(session.Message); ok {
				reply = respMsg
			}
		case *session.PauseTransfer:
			if err := transfers.HandlePauseTransfer(*m); err != nil {
				log.WithError(err).Debug("pause rejected")
			}
			continue
		case *session.ResumeTransfer:
			if err := transfers.HandleResumeTransfer(*m); err != nil {
				log.WithError(err).Debug("resume rejected")
			}
			continue
		case *session.CancelTransfer:
			if err := transfers.HandleCancelTransfer(*m); err != nil {
				log.WithError(err).Debug("cancel rejected")
			}
			continue
		case *session.QueryStatus:
			progress, err := transfers.HandleQueryStatus(*m)
			if err != nil {
				continue
			}
			reply = progress
		case *session.ListFiles:
			list, err := transfers.HandleListFiles(*m)
			if err != nil {
				continue
			}
			reply = list
		default:
			log.WithField("type", msg.MsgType()).Warn("unhandled message type")
			continue
		}

		if reply != nil {
			if err := session.WriteMessage(stream, reply); err != nil {
				log.WithError(err).Warn("write reply failed")
				return
			}
		}
	}
}

func sweepIdleSessions(ctx context.Context, sessions *session.Manager) {
	ticker := time.NewTicker(session.IdleTimeout / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if idle := sessions.SweepIdle(now); len(idle) > 0 {
				log.WithField("count", len(idle)).Info("swept idle sessions")
			}
		}
	}
}

func runObserverHTTP(ctx context.Context, hub *observer.Hub, addr string, interval time.Duration) {
	r := mux.NewRouter()
	hub.RegisterRoutes(r)
	server := &http.Server{Addr: addr, Handler: r}

	go hub.Run(ctx, interval)

	go func() {
		<-ctx.Done()
		server.Close()
	}()

	log.WithField("address", addr).Info("observer http listening")
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.WithError(err).Warn("observer http server stopped")
	}
}

type sessionProvider struct{ m *session.Manager }

func (p sessionProvider) Name() string { return "session" }
func (p sessionProvider) Snapshot() map[string]interface{} {
	return map[string]interface{}{"active_sessions": p.m.Count()}
}

type fallbackProvider struct{ m *fallback.Machine }

func (p fallbackProvider) Name() string { return "fallback" }
func (p fallbackProvider) Snapshot() map[string]interface{} {
	state, features := p.m.State()
	return map[string]interface{}{
		"state":       state.String(),
		"quic":        features.QUIC,
		"fec":         features.FEC,
		"multipath":   features.Multipath,
		"tcp_fallback": features.UseTCPFallback,
	}
}
