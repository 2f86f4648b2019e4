// Package main is an interactive terminal front end for the companion
// session core.
//
// Usage:
//
//	go run ./cmd/companion
//
// Environment (see pkg/config): COMPANION_ENDPOINT, COMPANION_TOKEN,
// COMPANION_TRANSPORT, personality sliders, COMPANION_STT_URL for live
// speech-to-text. When COMPANION_TOKEN is unset the token is prompted for
// without echo.
//
// Commands:
//
//	<text>          Send a text message
//	/rec            Start/stop voice recording; stop sends the clip
//	/listen         Start/stop live transcription; stop sends the text
//	/image <path>   Attach an image to the next message
//	/good, /bad     Rate the last reply
//	/quit           Disconnect and exit
package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"golang.org/x/term"

	"github.com/Danejw/companion-core/pkg/capture"
	"github.com/Danejw/companion-core/pkg/config"
	"github.com/Danejw/companion-core/pkg/core"
	"github.com/Danejw/companion-core/pkg/session"
	"github.com/Danejw/companion-core/pkg/transport"
)

func main() {
	_ = godotenv.Load()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	}))
	slog.SetDefault(logger)

	cfg, err := config.LoadFromEnv()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}

	token := cfg.Token
	if token == "" {
		token, err = promptToken()
		if err != nil {
			fmt.Fprintln(os.Stderr, "token:", err)
			os.Exit(1)
		}
	}

	metrics := transport.NewMetrics("companion")
	if cfg.MetricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Handler())
			if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
				logger.Error("metrics server", "error", err)
			}
		}()
	}

	strategy, err := newStrategy(cfg, logger, metrics)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	player, err := session.NewOtoBackend()
	var sessionPlayer *session.Player
	if err != nil {
		logger.Warn("speaker unavailable, playback disabled", "error", err)
	} else {
		sessionPlayer = session.NewPlayer(player)
	}

	capState := capture.NewState()
	render := &transcriptRenderer{}
	manager := session.NewManager(strategy, session.Options{
		Logger:   logger,
		UI:       terminalUI{},
		Player:   sessionPlayer,
		Capture:  capState,
		OnUpdate: render.update,
		Context: session.Context{
			Personality: session.Personality{
				Empathy:    cfg.Empathy,
				Directness: cfg.Directness,
				Warmth:     cfg.Warmth,
				Challenge:  cfg.Challenge,
			},
			LocalLingo: cfg.LocalLingo,
			Voice:      cfg.Voice,
			Timezone:   cfg.Timezone,
			Extract:    cfg.Extract,
			Summarize:  cfg.Summarize,
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		fmt.Println("\nDisconnecting...")
		manager.Disconnect()
		os.Exit(0)
	}()

	fmt.Println("Connecting to", cfg.Endpoint, "via", cfg.Transport, "...")
	if err := manager.Connect(ctx, cfg.Endpoint, token); err != nil {
		fmt.Fprintln(os.Stderr, "connect:", err)
		os.Exit(1)
	}
	fmt.Println("Connected. Type a message, or /quit to exit.")

	repl(manager, capState, cfg, logger)

	if err := manager.Disconnect(); err != nil {
		logger.Warn("disconnect", "error", err)
	}
}

func repl(manager *session.Manager, capState *capture.State, cfg config.Config, logger *slog.Logger) {
	recorder := newLazyRecorder(capState)
	transcriber := capture.NewTranscriber(capState, func() (capture.Recognizer, error) {
		if cfg.STTURL == "" {
			return nil, core.NewCapabilityError("no speech-to-text service configured (COMPANION_STT_URL)", nil)
		}
		device, err := capture.NewMalgoDevice()
		if err != nil {
			return nil, err
		}
		return capture.NewStreamingRecognizer(capture.RecognizerConfig{
			URL:      cfg.STTURL,
			APIKey:   cfg.STTAPIKey,
			Language: cfg.STTLang,
		}, device), nil
	})

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		switch {
		case line == "/quit" || line == "q":
			return

		case line == "/rec":
			err := recorder.toggle(func(clip capture.Clip) error {
				return manager.SendUserTurn(session.UserInput{Clip: &clip})
			})
			if err != nil {
				fmt.Println("!", err)
			}

		case line == "/listen":
			if capState.Listening() {
				text, err := transcriber.End()
				if err != nil {
					fmt.Println("!", err)
					continue
				}
				if text == "" {
					fmt.Println("(heard nothing)")
					continue
				}
				fmt.Println("you said:", text)
				if err := manager.SendUserTurn(session.UserInput{Text: text}); err != nil {
					fmt.Println("!", err)
				}
			} else {
				if err := transcriber.Begin(context.Background()); err != nil {
					fmt.Println("!", err)
				} else {
					fmt.Println("listening... /listen again to stop and send")
				}
			}

		case strings.HasPrefix(line, "/image "):
			path := strings.TrimSpace(strings.TrimPrefix(line, "/image "))
			img, err := capture.LoadImage(path)
			if err != nil {
				fmt.Println("!", err)
				continue
			}
			capState.AddImage(img)
			fmt.Printf("attached %s (%d pending)\n", path, len(capState.Images()))

		case line == "/good" || line == "/bad":
			if err := manager.SubmitFeedback(line == "/good"); err != nil {
				fmt.Println("!", err)
			} else {
				fmt.Println("feedback sent")
			}

		default:
			if err := manager.SendUserTurn(session.UserInput{Text: line}); err != nil {
				fmt.Println("!", err)
			}
		}
	}
}

func newStrategy(cfg config.Config, logger *slog.Logger, metrics *transport.Metrics) (transport.Strategy, error) {
	switch cfg.Transport {
	case config.TransportWebSocket:
		return transport.NewWebSocket(logger, metrics), nil
	case config.TransportServerStream:
		return transport.NewServerStream(nil, logger, metrics), nil
	case config.TransportPolling:
		return transport.NewPolling(nil, logger, metrics), nil
	default:
		return nil, fmt.Errorf("unknown transport %q", cfg.Transport)
	}
}

func promptToken() (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", fmt.Errorf("COMPANION_TOKEN not set and stdin is not a terminal")
	}
	fmt.Fprint(os.Stderr, "Token: ")
	raw, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", err
	}
	token := strings.TrimSpace(string(raw))
	if token == "" {
		return "", fmt.Errorf("empty token")
	}
	return token, nil
}

// lazyRecorder defers microphone acquisition until the first /rec.
type lazyRecorder struct {
	capState *capture.State
	recorder *capture.ClipRecorder
	device   *capture.MalgoDevice
}

func newLazyRecorder(capState *capture.State) *lazyRecorder {
	return &lazyRecorder{capState: capState}
}

func (r *lazyRecorder) toggle(send func(capture.Clip) error) error {
	if r.recorder == nil {
		device, err := capture.NewMalgoDevice()
		if err != nil {
			return err
		}
		r.device = device
		r.recorder = capture.NewClipRecorder(r.capState, device)
	}

	if r.capState.Recording() {
		clip, err := r.recorder.End()
		if err != nil {
			return err
		}
		fmt.Println("sending clip...")
		return send(clip)
	}
	fmt.Println("recording... /rec again to stop and send")
	return r.recorder.Begin()
}

// transcriptRenderer prints new assistant turns as the reconciler lands
// them. Partials are not rendered; on a terminal the final lands fast
// enough that a thinking indicator per chunk is just noise.
type transcriptRenderer struct {
	printed int
}

func (r *transcriptRenderer) update(s session.State) {
	if len(s.Transcript) < r.printed {
		r.printed = len(s.Transcript)
	}
	for i := r.printed; i < len(s.Transcript); i++ {
		turn := s.Transcript[i]
		if turn.Speaker == session.SpeakerAssistant {
			fmt.Println("\ncompanion:", turn.Content)
			fmt.Print("> ")
		}
	}
	r.printed = len(s.Transcript)
}

// terminalUI renders dispatcher effects as plain terminal output.
type terminalUI struct{}

func (terminalUI) Notify(severity, message string) {
	fmt.Printf("[%s] %s\n", severity, message)
}

func (terminalUI) OpenOverlay(name string, _ map[string]any) {
	switch name {
	case session.OverlayCredits:
		fmt.Println("[overlay] out of credits - top up to continue")
	case session.OverlayReauth:
		fmt.Println("[overlay] session expired - sign in again")
	default:
		fmt.Println("[overlay]", name, "opened")
	}
}

func (terminalUI) CloseOverlay(name string) {
	fmt.Println("[overlay]", name, "closed")
}

func (terminalUI) InvalidateCache(key string) {}
