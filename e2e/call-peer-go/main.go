// Command call-peer-go is a headless call participant for end-to-end tests.
// It connects to a running aero-webrtc-call server, streams synthetic media,
// and prints one line per milestone on stdout:
//
//	READY <user>
//	STATE <state> <call id> <reason>
//	TRACK <kind>
//	DONE <reason>
//
// PEER_ROLE=caller dials CALL_TO and hangs up after HOLD; PEER_ROLE=callee
// accepts (or, with ANSWER=reject, rejects) the first incoming call. With
// JWT_SECRET set the peer mints its own bearer token.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/auth"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/callrecord"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/config"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/media"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/negotiation"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/session"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/signaling"
)

func main() {
	baseURL := envOrDefault("BASE_URL", "http://127.0.0.1:8080")
	userID := os.Getenv("USER_ID")
	role := envOrDefault("PEER_ROLE", "callee")
	if userID == "" {
		fmt.Fprintln(os.Stderr, "USER_ID is required")
		os.Exit(2)
	}
	kind, err := callrecord.ParseMediaKind(envOrDefault("MEDIA_KIND", string(callrecord.MediaVideo)))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	hold := envDurationOrDefault("HOLD", 2*time.Second)
	deadline := envDurationOrDefault("DEADLINE", 60*time.Second)

	// Session timeouts, retry policy and WebRTC network settings share the
	// server's flags and env vars.
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	// stdout carries the milestone protocol; logs go to stderr.
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	token := os.Getenv("TOKEN")
	if secret := os.Getenv("JWT_SECRET"); token == "" && secret != "" {
		// Play the identity provider for AUTH_MODE=jwt servers.
		token, err = auth.NewJWTVerifier(secret, os.Getenv("JWT_ISSUER")).Mint(userID, deadline+time.Minute)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(2)
		}
	}

	inboxLost := make(chan error, 1)
	client, err := signaling.NewClient(signaling.ClientConfig{
		BaseURL:           baseURL,
		UserID:            userID,
		APIKey:            os.Getenv("API_KEY"),
		Token:             token,
		Logger:            logger,
		ReconnectAttempts: cfg.RetryAttempts,
		ReconnectBackoff:  cfg.RetryBackoff,
		OnInboxLost: func(err error) {
			select {
			case inboxLost <- err:
			default:
			}
		},
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	iceServers, err := client.ICEServers(ctx)
	if err != nil {
		logger.Warn("fetch ice servers; using local configuration", "err", err)
		iceServers = cfg.PeerConnectionICEServers()
	}
	api, err := negotiation.NewAPI(cfg, logger)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	snaps := make(chan session.Snapshot, 64)
	tracks := make(chan *webrtc.TrackRemote, 4)
	o, err := session.New(ctx, session.Config{
		LocalID: userID,
		Records: client,
		Relay:   client,
		Media:   media.NewSource(media.SyntheticDevice{}, logger),
		Engines: session.NegotiationFactory{
			API:                  api,
			ICEServers:           iceServers,
			Logger:               logger,
			MaxPendingCandidates: cfg.MaxPendingCandidates,
		},
		Logger:             logger,
		RingTimeout:        cfg.RingTimeout,
		NegotiationTimeout: cfg.NegotiationTimeout,
		DisconnectGrace:    cfg.DisconnectGrace,
		Retry:              session.RetryPolicy{Attempts: cfg.RetryAttempts, Backoff: cfg.RetryBackoff},
		OnStateChange: func(s session.Snapshot) {
			select {
			case snaps <- s:
			default:
			}
		},
		OnError: func(callID string, err error) {
			logger.Warn("call error", "call_id", callID, "err", err)
		},
		OnRemoteTrack: func(_ string, track *webrtc.TrackRemote) {
			select {
			case tracks <- track:
			default:
			}
		},
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer o.Close()
	go func() {
		select {
		case err := <-inboxLost:
			o.InboxLost(err)
		case <-ctx.Done():
		}
	}()

	fmt.Printf("READY %s\n", userID)

	if role == "caller" {
		to := os.Getenv("CALL_TO")
		if to == "" {
			fmt.Fprintln(os.Stderr, "CALL_TO is required for PEER_ROLE=caller")
			os.Exit(2)
		}
		go func() {
			if _, err := o.StartCall(ctx, to, kind); err != nil {
				logger.Error("start call", "err", err)
			}
		}()
	}

	var hangup <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			fmt.Println("DONE deadline")
			os.Exit(1)
		case track := <-tracks:
			fmt.Printf("TRACK %s\n", track.Kind())
		case <-hangup:
			hangup = nil
			if err := o.EndCall(ctx); err != nil {
				logger.Error("end call", "err", err)
			}
		case s := <-snaps:
			fmt.Printf("STATE %s %s %s\n", s.State, s.CallID, s.Reason)
			switch s.State {
			case session.StateRinging:
				if s.Role == session.RoleCallee {
					answer := o.Accept
					if os.Getenv("ANSWER") == "reject" {
						answer = o.Reject
					}
					go func() {
						if err := answer(ctx); err != nil {
							logger.Error("answer call", "err", err)
						}
					}()
				}
			case session.StateConnected:
				if role == "caller" {
					hangup = time.After(hold)
				}
			case session.StateIdle:
				if s.Reason != session.ReasonNone {
					fmt.Printf("DONE %s\n", s.Reason)
					return
				}
			}
		}
	}
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}


func envDurationOrDefault(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err == nil {
			return d
		}
	}
	return fallback
}
