// Command chatwidget is a terminal chat widget. It opens a widget session
// against a push gateway and a chat backend and renders the conversation.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/fatih/color"
	"github.com/joho/godotenv"

	chatwidget "github.com/NeboLoop/chatwidget-go-sdk"
	"github.com/NeboLoop/chatwidget-go-sdk/amqpchannel"
	"github.com/NeboLoop/chatwidget-go-sdk/identity"
	"github.com/NeboLoop/chatwidget-go-sdk/internal/config"
	"github.com/NeboLoop/chatwidget-go-sdk/storage"
)

func main() {
	configPath := flag.String("config", os.Getenv("CHATWIDGET_CONFIG"), "Path to config file (YAML)")
	envFile := flag.String("env", ".env", "Path to a .env file")
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil {
		slog.Debug("no .env file found, using environment variables", "path", *envFile)
	}

	if err := run(*configPath); err != nil {
		color.Red("Error: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg := config.Default()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	} else if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validating config: %w", err)
	}

	logger := setupLogger(cfg.Logging)
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cacheStore, err := storage.OpenSQLite(cfg.Storage.CachePath)
	if err != nil {
		return fmt.Errorf("opening cache: %w", err)
	}
	defer cacheStore.Close()

	var tabStore storage.Store = storage.NewMemory()
	if cfg.Storage.TabPath != "" {
		tab, err := storage.OpenSQLite(cfg.Storage.TabPath)
		if err != nil {
			return fmt.Errorf("opening tab storage: %w", err)
		}
		defer tab.Close()
		tabStore = tab
	}

	userID := cfg.Widget.UserID
	if userID == "" && cfg.Widget.Token != "" {
		sub, err := identity.UserIDFromToken(cfg.Widget.Token)
		if err != nil {
			logger.Warn("token has no usable subject, continuing anonymously", "error", err)
		}
		userID = sub
	}

	apiServer := chatwidget.ResolveAPIServer(cfg.Push.Endpoint, cfg.API.Server)
	api, err := chatwidget.NewAPIClient(map[string]string{
		"api_server": apiServer,
		"token":      cfg.Widget.Token,
	})
	if err != nil {
		return fmt.Errorf("chat backend: %w", err)
	}

	var welcome chatwidget.WelcomeSource = api
	if len(cfg.Welcome.Static) > 0 {
		welcome = chatwidget.StaticWelcome(cfg.Welcome.Static)
	}

	sess, err := chatwidget.Open(ctx, chatwidget.Config{
		BotID:                  cfg.Widget.BotID,
		UserID:                 userID,
		TabStore:               tabStore,
		CacheStore:             cacheStore,
		Channel:                newChannel(cfg, logger),
		Backend:                api,
		Welcome:                welcome,
		UserLocation:           cfg.Widget.Location,
		DemoMode:               cfg.Widget.DemoMode,
		ReconnectBase:          cfg.Push.ReconnectBase,
		ReconnectCap:           cfg.Push.ReconnectCap,
		ReconnectJitterPercent: cfg.Push.ReconnectJitterPercent,
		Logger:                 logger,
	})
	if err != nil {
		return err
	}

	out := color.Output
	r := newRenderer(out)
	r.render(sess.Snapshot())
	sess.OnChange(r.render)

	inst := sess.Instance()
	color.New(color.FgHiBlack).Fprintf(out, "bot %s, instance %s, api %s (/help for commands)\n",
		inst.BotID, inst.InstanceID, apiServer)

	err = loop(ctx, sess, readLines(os.Stdin), out)
	if cerr := sess.Close(); err == nil {
		err = cerr
	}
	return err
}

func newChannel(cfg *config.Config, logger *slog.Logger) chatwidget.Channel {
	if cfg.Push.Transport == "amqp" {
		return amqpchannel.New(amqpchannel.Config{
			URL:         cfg.Push.AMQPURL,
			Exchange:    cfg.Push.Exchange,
			DialTimeout: cfg.Push.HandshakeTimeout,
			Logger:      logger,
		})
	}
	return chatwidget.NewWSChannel(chatwidget.WSConfig{
		Endpoint:         cfg.Push.Endpoint,
		Token:            cfg.Widget.Token,
		HandshakeTimeout: cfg.Push.HandshakeTimeout,
		Logger:           logger,
	})
}

// loop reads commands until stdin closes, the user quits, or the session ends.
func loop(ctx context.Context, sess *chatwidget.Session, lines <-chan string, out io.Writer) error {
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-sess.Done():
			if err := sess.Err(); err != nil {
				return err
			}
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			if !strings.HasPrefix(line, "/") {
				wg.Add(1)
				go func() {
					defer wg.Done()
					report(out, sess.SendMessage(ctx, line))
				}()
				continue
			}
			if quit := command(ctx, sess, line, out, &wg); quit {
				return nil
			}
		}
	}
}

func command(ctx context.Context, sess *chatwidget.Session, line string, out io.Writer, wg *sync.WaitGroup) (quit bool) {
	name, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)

	switch name {
	case "/quit", "/exit":
		return true
	case "/help":
		printHelp(out)
	case "/status":
		s := sess.Snapshot()
		fmt.Fprintf(out, "state=%s status=%s conversation=%q messages=%d blocked=%t mobile=%t\n",
			s.State, s.ConnectionStatus, s.ConversationID, len(s.Messages),
			s.IsBlockedByOtherDevice, s.IsMobileSessionActive)
	case "/location":
		if arg == "" {
			errColor.Fprintln(out, "usage: /location <name>")
			return false
		}
		sess.SetUserLocation(arg)
	case "/field":
		k, v, ok := strings.Cut(arg, "=")
		if !ok || strings.TrimSpace(k) == "" {
			errColor.Fprintln(out, "usage: /field name=value")
			return false
		}
		sess.CaptureField(strings.TrimSpace(k), strings.TrimSpace(v))
	case "/resend":
		id := arg
		if id == "" {
			var ok bool
			if id, ok = lastFailed(sess.Snapshot()); !ok {
				errColor.Fprintln(out, "nothing to resend")
				return false
			}
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			report(out, sess.Resend(ctx, id))
		}()
	default:
		errColor.Fprintf(out, "unknown command %s\n", name)
	}
	return false
}

func report(out io.Writer, err error) {
	switch {
	case err == nil, errors.Is(err, chatwidget.ErrCanceled):
	case errors.Is(err, chatwidget.ErrBlocked):
		warnColor.Fprintln(out, "!! sending is disabled while another device holds the conversation")
	default:
		var berr *chatwidget.BackendError
		if errors.As(err, &berr) {
			return // rendered as a failed message
		}
		errColor.Fprintf(out, "error: %v\n", err)
	}
}

func readLines(r io.Reader) <-chan string {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(r)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()
	return lines
}
