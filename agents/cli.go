package agents

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/bt-bridge/lingocall"
	"github.com/bt-bridge/lingocall/config"
	"github.com/bt-bridge/lingocall/rtc"
	"github.com/bt-bridge/lingocall/shared"
	"github.com/bt-bridge/lingocall/translate"
	"github.com/bt-bridge/lingocall/transport"
	"github.com/goccy/go-yaml"
	"go.uber.org/zap"
)

const helpText = `Commands:
  create [room]      create a room (id generated when omitted)
  join <room>        join an existing room
  call               start a call with the room
  end                end the current call
  mute               toggle the microphone
  share / unshare    start or stop screen sharing
  lang <src> <dst>   change caption languages
  transcript         print the caption transcript
  status             print the session snapshot
  leave              leave the room
  quit               exit`

// Deps are the collaborators a CLIAgent drives. Spawn builds the production
// set from config; tests pass their own.
type Deps struct {
	Signaler lingocall.Signaler
	Peers    lingocall.PeerFactory
	Media    lingocall.MediaSource
	// Forwarder is optional; nil forwards caption audio over signaling.
	Forwarder lingocall.AudioForwarder
	// Closers run on Close after the client stops, in order.
	Closers []io.Closer
}

// CLIAgent drives one lingocall.Client from line commands and prints what
// the client reports.
type CLIAgent struct {
	logger  shared.LoggerAdapter
	printer *shared.Printer
	client  *lingocall.Client
	closers []io.Closer

	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// Spawn connects to signaling, opens local devices and starts reading
// commands from input.
func (a *CLIAgent) Spawn(
	ctx context.Context,
	logger shared.LoggerAdapter,
	cfg *config.Config,
	printer *shared.Printer,
	input io.Reader,
) error {
	if logger == nil {
		return shared.ErrNoLogger
	}
	if cfg == nil {
		return errors.New("no config provided")
	}
	if printer == nil {
		return errors.New("no printer provided")
	}
	a.logger = logger
	a.printer = printer
	a.print("Spawning call agent...\n", 0)

	a.print("Session config", 0)
	shown := *cfg
	if shown.Translator.APIKey != "" {
		shown.Translator.APIKey = shown.Translator.APIKey[:min(4, len(shown.Translator.APIKey))] + "..."
	}
	yamlBytes, err := yaml.Marshal(shown)
	if err != nil {
		logger.Error("marshaling config to yaml", err)
		return err
	}
	a.print(string(yamlBytes), 1)

	if _, err := cfg.ResolveICE(ctx); err != nil {
		logger.Warn("ICE discovery failed, using configured servers", zap.Error(err))
	}

	ws, err := transport.Dial(ctx, logger, transport.Options{
		URL:          cfg.Signaling.URL,
		MaxRetries:   cfg.Signaling.MaxRetries,
		RetryDelay:   cfg.Signaling.RetryDelay,
		PingInterval: cfg.Signaling.PingInterval,
	})
	if err != nil {
		logger.Error("connecting to signaling", err)
		a.print("Unable to reach the signaling server at "+cfg.Signaling.URL, 0)
		return err
	}
	a.print("Connected to "+cfg.Signaling.URL, 0)

	devices, err := rtc.NewDevices(logger, rtc.DeviceOptions{SampleRate: cfg.Captions.SampleRate})
	if err != nil {
		_ = ws.Close()
		logger.Error("opening devices", err)
		return err
	}
	peers, err := rtc.NewFactory(logger, rtc.FactoryOptions{
		ICEServers: cfg.WebRTCServers(),
		Codecs:     devices.Populate,
	})
	if err != nil {
		_ = ws.Close()
		logger.Error("creating peer factory", err)
		return err
	}

	deps := Deps{
		Signaler: ws,
		Peers:    peers,
		Media:    devices,
		Closers:  []io.Closer{ws},
	}
	if cfg.Translator.Mode == config.TranslatorOpenAI {
		backend, err := translate.NewBackend(logger, translate.Options{
			APIKey:             cfg.Translator.APIKey,
			BaseURL:            cfg.Translator.BaseURL,
			TranscriptionModel: cfg.Translator.TranscriptionModel,
			ChatModel:          cfg.Translator.ChatModel,
		}, a.receiveTranslation)
		if err != nil {
			_ = ws.Close()
			logger.Error("creating translator", err)
			return err
		}
		deps.Forwarder = backend
	}

	if err := a.Attach(ctx, logger, cfg.CaptionConfig(), deps, printer, input); err != nil {
		_ = ws.Close()
		return err
	}
	go func() {
		select {
		case <-ws.Done():
			a.print("Signaling stopped.", 0)
			_ = a.Close()
		case <-a.done:
		}
	}()
	return nil
}

// Attach starts the agent on already built collaborators.
func (a *CLIAgent) Attach(
	ctx context.Context,
	logger shared.LoggerAdapter,
	captions lingocall.CaptionConfig,
	deps Deps,
	printer *shared.Printer,
	input io.Reader,
) error {
	if logger == nil {
		return shared.ErrNoLogger
	}
	if printer == nil {
		return errors.New("no printer provided")
	}
	a.logger = logger.With(zap.String("component", "cli_agent"))
	a.printer = printer
	a.closers = deps.Closers
	a.done = make(chan struct{})

	client, err := lingocall.NewClient(ctx, lingocall.Config{
		Logger:    logger,
		Signaler:  deps.Signaler,
		Peers:     deps.Peers,
		Media:     deps.Media,
		Forwarder: deps.Forwarder,
		Captions:  captions,
		Hooks:     a.hooks(),
	})
	if err != nil {
		a.logger.Error("creating client", err)
		return err
	}
	a.client = client
	a.print(fmt.Sprintf("You are %s. Type 'help' for commands.", client.UserID()), 0)

	if input != nil {
		go a.readCommands(ctx, input)
	}
	return nil
}

func (a *CLIAgent) Client() *lingocall.Client {
	return a.client
}

func (a *CLIAgent) Done() <-chan struct{} {
	return a.done
}

func (a *CLIAgent) Close() error {
	a.closeOnce.Do(func() {
		var errs []error
		if a.client != nil {
			errs = append(errs, a.client.Close())
		}
		for _, c := range a.closers {
			errs = append(errs, c.Close())
		}
		a.closeErr = errors.Join(errs...)
		if a.done != nil {
			close(a.done)
		}
	})
	return a.closeErr
}

func (a *CLIAgent) hooks() lingocall.Hooks {
	return lingocall.Hooks{
		OnStateChange: func(prev, next lingocall.CallState) {
			a.logger.Debug("call state", zap.Stringer("from", prev), zap.Stringer("to", next))
		},
		OnStatus: func(msg string) {
			if err := a.printer.Status(msg); err != nil {
				a.logger.Error("printing status", err)
			}
		},
		OnError: func(err error) {
			a.status("Error: " + err.Error())
		},
		OnParticipants: func(roomID string, participants []string) {
			a.status(fmt.Sprintf("Room %s: %s", roomID, strings.Join(participants, ", ")))
		},
		OnCaption: func(c lingocall.Caption) {
			if err := a.printer.Caption(c.Original, c.Translated, c.TargetLang, c.At); err != nil {
				a.logger.Error("printing caption", err)
			}
		},
		OnOverlay: func(o lingocall.Overlay, visible bool) {
			if !visible {
				return
			}
			pos := ""
			if o.X != nil && o.Y != nil {
				pos = fmt.Sprintf(" @(%d,%d)", *o.X, *o.Y)
			}
			a.status("Screen text" + pos + ": " + o.Translated)
		},
		OnRemoteTrack: func(t lingocall.RemoteTrack) {
			a.status("Receiving remote " + t.Kind().String())
		},
	}
}

func (a *CLIAgent) receiveTranslation(p *lingocall.TranslationResultParam) {
	if a.client != nil {
		a.client.ReceiveTranslation(p)
	}
}

func (a *CLIAgent) readCommands(ctx context.Context, input io.Reader) {
	scanner := bufio.NewScanner(input)
	for scanner.Scan() {
		quit, err := a.Exec(ctx, scanner.Text())
		if err != nil {
			a.status("Error: " + err.Error())
		}
		if quit {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		a.logger.Error("reading commands", err)
	}
	_ = a.Close()
}

// Exec runs one command line. It reports whether the agent should exit.
func (a *CLIAgent) Exec(ctx context.Context, line string) (bool, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false, nil
	}
	cmd, args := strings.ToLower(fields[0]), fields[1:]
	c := a.client
	switch cmd {
	case "help", "?":
		a.print(helpText, 0)
	case "create":
		desired := ""
		if len(args) > 0 {
			desired = args[0]
		}
		_, err := c.CreateRoom(ctx, desired)
		return false, err
	case "join":
		if len(args) == 0 {
			return false, shared.ErrEmptyRoomID
		}
		return false, c.JoinRoom(ctx, args[0])
	case "call":
		return false, c.StartCall(ctx)
	case "end":
		return false, c.EndCall(ctx)
	case "mute":
		_, err := c.ToggleMic(ctx)
		return false, err
	case "share":
		return false, c.ShareScreen(ctx)
	case "unshare":
		return false, c.StopScreenShare(ctx)
	case "lang":
		if len(args) != 2 {
			return false, errors.New("usage: lang <src> <dst>")
		}
		c.SetLanguages(args[0], args[1])
		a.status(fmt.Sprintf("Captions: %s -> %s", args[0], args[1]))
	case "transcript":
		for _, entry := range c.Transcript() {
			if err := a.printer.Caption(entry.Original, entry.Translated, entry.TargetLang, entry.At); err != nil {
				return false, err
			}
		}
	case "status":
		snap, err := c.Snapshot(ctx)
		if err != nil {
			return false, err
		}
		out, err := yaml.Marshal(map[string]any{
			"state":        snap.State.String(),
			"user_id":      snap.UserID,
			"room_id":      snap.RoomID,
			"host":         snap.Host,
			"participants": snap.Participants,
			"mic_enabled":  snap.MicEnabled,
			"sharing":      snap.Sharing,
		})
		if err != nil {
			return false, err
		}
		a.print(string(out), 1)
	case "leave":
		return false, c.LeaveRoom(ctx)
	case "quit", "exit":
		return true, nil
	default:
		return false, fmt.Errorf("unknown command %q, type 'help'", cmd)
	}
	return false, nil
}

func (a *CLIAgent) print(s string, ind int) {
	if err := a.printer.Writeln(s, ind); err != nil {
		a.logger.Error("printing", err)
	}
}

func (a *CLIAgent) status(msg string) {
	if err := a.printer.Status(msg); err != nil {
		a.logger.Error("printing status", err)
	}
}
