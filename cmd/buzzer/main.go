// Command buzzer is a terminal client. It joins a room over the best
// transport it can reach and reads game commands from stdin.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/DoyleJ11/buzzer/internal/config"
	"github.com/DoyleJ11/buzzer/internal/engine"
	"github.com/DoyleJ11/buzzer/internal/lockdown"
	"github.com/DoyleJ11/buzzer/internal/logging"
	"github.com/DoyleJ11/buzzer/internal/session"
	"github.com/DoyleJ11/buzzer/internal/transport"
	"github.com/DoyleJ11/buzzer/internal/transport/kvstore"
	"github.com/DoyleJ11/buzzer/internal/transport/local"
	"github.com/DoyleJ11/buzzer/internal/transport/relay"
)

const usage = `commands:
  start ffa <secs>
  start single <playerId> <secs>
  buzz | reset | end | state | mode | quit`

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	roomFlag := flag.String("room", "", "room code to join (empty creates one)")
	nameFlag := flag.String("name", "", "nickname")
	envFlag := flag.String("env", ".env", "dotenv file")
	flag.Parse()

	if err := config.LoadDotEnv(*envFlag); err != nil {
		return fmt.Errorf("load %s: %w", *envFlag, err)
	}
	cfg := config.LoadClient()

	log, err := logging.New(cfg.LogLevel, false)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	name, err := engine.ValidateNickname(*nameFlag)
	if err != nil {
		return err
	}
	code, err := roomCode(*roomFlag)
	if err != nil {
		return err
	}
	user := engine.Player{ID: uuid.NewString(), Name: name}

	clock := clockwork.NewRealClock()
	preferred, closeRedis := factories(cfg, clock, log)
	defer closeRedis()

	store := local.NewStorage()
	s := session.New(clock, log.Named("session"), session.Options{
		Preferred:       preferred,
		Fallback:        func() transport.Transport { return local.New(store, clock, log.Named("local")) },
		ConnectTimeout:  cfg.ConnectTimeout,
		UpgradeInterval: cfg.UpgradeInterval,
	})

	ticker := lockdown.New(s, clock, log.Named("lockdown"))
	defer ticker.Stop()

	s.Subscribe(func(st engine.RoomState) {
		ticker.Observe(st, user.ID)
		printState(st, user.ID)
	})
	s.SubscribePresence(
		func(p engine.Player) { fmt.Printf("+ %s joined\n", p.Name) },
		func(id string) { fmt.Printf("- %s left\n", id) },
	)
	s.SubscribeMode(func(m session.Mode) {
		fmt.Printf("* connection %s via %s\n", m, s.Kind())
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if _, err := s.Initialize(ctx, code, user); err != nil {
		return err
	}
	defer func() {
		if err := s.Close(); err != nil {
			log.Warn("close session", zap.Error(err))
		}
	}()
	fmt.Printf("joined room %s as %s (%s)\n%s\n", code, name, user.ID, usage)

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if err := handle(ctx, s, user, line); err != nil {
				if errors.Is(err, io.EOF) {
					return nil
				}
				fmt.Println("error:", err)
			}
		}
	}
}

func roomCode(raw string) (string, error) {
	if raw == "" {
		return engine.GenerateRoomCode()
	}
	return engine.NormalizeRoomCode(raw)
}

// factories builds the preferred transports in configured order. The
// returned func closes the Redis client if one was opened.
func factories(cfg config.Client, clock clockwork.Clock, log *zap.Logger) ([]transport.Factory, func()) {
	var out []transport.Factory
	var rdb *redis.Client
	for _, name := range cfg.Transports {
		switch transport.Kind(name) {
		case transport.KindRelay:
			opts := relay.Options{
				URLs:             cfg.ServerURLs,
				MaxAttempts:      cfg.MaxConnectAttempts,
				ConnectTimeout:   cfg.ConnectTimeout,
				ActivityInterval: cfg.PresenceTTL / 2,
			}
			out = append(out, func() transport.Transport { return relay.New(clock, log.Named("relay"), opts) })
		case transport.KindKVStore:
			if cfg.RedisAddr == "" {
				log.Debug("kvstore skipped, no redis address")
				continue
			}
			if rdb == nil {
				rdb = redis.NewClient(&redis.Options{
					Addr:     cfg.RedisAddr,
					Password: cfg.RedisPassword,
					DB:       cfg.RedisDB,
				})
			}
			client := rdb
			opts := kvstore.Options{PresenceTTL: cfg.PresenceTTL}
			out = append(out, func() transport.Transport { return kvstore.New(client, clock, log.Named("kvstore"), opts) })
		default:
			log.Warn("unknown transport", zap.String("name", name))
		}
	}
	return out, func() {
		if rdb != nil {
			_ = rdb.Close()
		}
	}
}

func handle(ctx context.Context, s *session.Session, user engine.Player, line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}
	switch fields[0] {
	case "start":
		cfg, err := parseStart(fields[1:])
		if err != nil {
			return err
		}
		return s.Dispatch(ctx, engine.Action{Type: engine.ActStartGame, Config: &cfg})
	case "buzz":
		return s.Dispatch(ctx, engine.Action{Type: engine.ActPressBuzzer, Player: &user})
	case "reset":
		return s.Dispatch(ctx, engine.Action{Type: engine.ActResetRound})
	case "end":
		return s.Dispatch(ctx, engine.Action{Type: engine.ActEndGame})
	case "state":
		printState(s.State(), user.ID)
	case "mode":
		fmt.Printf("%s via %s\n", s.Mode(), s.Kind())
	case "quit", "exit":
		return io.EOF
	default:
		fmt.Println(usage)
	}
	return nil
}

func parseStart(args []string) (engine.GameConfig, error) {
	var cfg engine.GameConfig
	if len(args) == 0 {
		return cfg, fmt.Errorf("%w: missing mode", engine.ErrInvalidConfig)
	}
	switch args[0] {
	case "ffa":
		cfg.Mode = engine.ModeFFA
		args = args[1:]
	case "single":
		if len(args) < 2 {
			return cfg, fmt.Errorf("%w: missing player id", engine.ErrInvalidConfig)
		}
		cfg.Mode = engine.ModeSingleBuzz
		cfg.DesignatedPlayerID = args[1]
		args = args[2:]
	default:
		return cfg, fmt.Errorf("%w: unknown mode %q", engine.ErrInvalidConfig, args[0])
	}
	cfg.LockdownPeriod = engine.DefaultLockdownSec
	if len(args) > 0 {
		secs, err := strconv.Atoi(args[0])
		if err != nil {
			return cfg, fmt.Errorf("%w: %v", engine.ErrInvalidConfig, err)
		}
		cfg.LockdownPeriod = secs
	}
	return cfg, nil
}

func printState(st engine.RoomState, selfID string) {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s", st.RoomCode, st.Phase)
	switch {
	case st.BuzzerWinner != nil:
		fmt.Fprintf(&b, " winner=%s", st.BuzzerWinner.Name)
	case st.IsLockdown:
		fmt.Fprintf(&b, " lockdown=%ds", st.LockdownTimer)
	case st.BuzzerActive:
		b.WriteString(" buzzer open")
	}
	names := make([]string, 0, len(st.Players))
	for i, p := range st.Players {
		n := p.Name
		if i == 0 {
			n += "*"
		}
		if p.ID == selfID {
			n = "(" + n + ")"
		}
		names = append(names, n)
	}
	fmt.Fprintf(&b, " players=%s", strings.Join(names, ","))
	fmt.Println(b.String())
}
