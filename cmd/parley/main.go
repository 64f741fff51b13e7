// Parley is a terminal endpoint for a two-party call negotiated through a
// shared document store instead of a signaling server. Point two copies at
// the same parleyd room and they converge on offerer/answerer roles and
// wire up the media transport on their own.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/pterm/pterm"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Parley/internal/adapters/rtc"
	"github.com/dkeye/Parley/internal/call"
	"github.com/dkeye/Parley/internal/config"
	"github.com/dkeye/Parley/internal/domain"
	"github.com/dkeye/Parley/internal/store/httpstore"
)

var version = "dev"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.WarnLevel)

	roomFlag := flag.String("room", "", "room to join (overrides config)")
	nameFlag := flag.String("name", "", "display name (overrides config)")
	storeFlag := flag.String("store", "", "parleyd base URL (overrides config)")
	verbose := flag.Bool("v", false, "verbose engine logging")
	flag.Parse()

	if *verbose {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Error().Err(err).Msg("failed to load config")
	}
	if *roomFlag != "" {
		cfg.Room = *roomFlag
	}
	if *nameFlag != "" {
		cfg.Username = *nameFlag
	}
	if *storeFlag != "" {
		cfg.StoreURL = *storeFlag
	}
	if cfg.Username == "" {
		cfg.Username = "guest"
	}

	pterm.Info.Println(fmt.Sprintf("Parley v%s", version))

	user, err := domain.NewUserWithID(cfg.UID, cfg.Username)
	if err != nil {
		pterm.Error.Println(err)
		os.Exit(1)
	}

	store, err := httpstore.New(cfg.StoreURL)
	if err != nil {
		pterm.Error.Println(err)
		os.Exit(1)
	}
	defer store.Close()

	factory := rtc.NewFactory(rtcConfig(cfg))

	session := call.New(store, factory, domain.RoomID(cfg.Room), user, callConfig(cfg))
	session.SetStatusFunc(renderStatus)

	if err := session.Join(ctx); err != nil {
		pterm.Error.Println("join failed:", err)
		os.Exit(1)
	}
	pterm.Success.Println(fmt.Sprintf("joined %q as %s (%s)", cfg.Room, user.Username, user.ID))
	pterm.Println("commands: a=audio v=video s=share k <uid>=kick d=diagnostics q=quit")

	go commandLoop(ctx, cancel, session)

	<-ctx.Done()
	leaveCtx, leaveCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer leaveCancel()
	if err := session.Leave(leaveCtx); err != nil {
		log.Warn().Err(err).Msg("leave")
	}
	pterm.Println("bye")
}

func rtcConfig(cfg *config.Config) rtc.Config {
	rc := rtc.DefaultConfig()
	if len(cfg.STUNServers) > 0 {
		rc.STUNServers = cfg.STUNServers
	}
	for _, t := range cfg.TURNServers {
		rc.TURNServers = append(rc.TURNServers, rtc.TURNServer{
			URLs: t.URLs, Username: t.Username, Credential: t.Credential,
		})
	}
	if len(cfg.FallbackTURN) > 0 {
		t := cfg.FallbackTURN[0]
		rc.FallbackTURN = &rtc.TURNServer{URLs: t.URLs, Username: t.Username, Credential: t.Credential}
	}
	return rc
}

func callConfig(cfg *config.Config) call.Config {
	return call.Config{
		NegotiationDebounce:  cfg.NegotiationDebounce,
		PresenceDebounce:     cfg.PresenceDebounce,
		CandidateFlushDelay:  cfg.CandidateFlushDelay,
		RestartMinSpacing:    cfg.RestartMinSpacing,
		HealthInterval:       cfg.HealthInterval,
		ReconnectBase:        cfg.ReconnectBase,
		ReconnectCap:         cfg.ReconnectCap,
		MaxReconnectAttempts: cfg.MaxReconnects,
	}
}

func renderStatus(st call.Status) {
	role := "answerer"
	if st.IsOfferer {
		role = "offerer"
	}
	line := fmt.Sprintf("[%s] %s rev=%d", st.State, role, st.OfferRev)
	if st.Reconnects > 0 {
		line += fmt.Sprintf(" reconnects=%d", st.Reconnects)
	}
	if st.Err != nil {
		line += fmt.Sprintf(" err=%v", st.Err)
	}
	pterm.Println(line)
	for _, p := range st.Roster {
		flags := ""
		if p.HasAudio {
			flags += " mic"
		}
		if p.HasVideo {
			flags += " cam"
		}
		if p.Sharing {
			flags += " share"
		}
		pterm.Println(fmt.Sprintf("  %s (%s) %s%s", p.Username, p.UID, p.Status, flags))
	}
}

func commandLoop(ctx context.Context, cancel context.CancelFunc, session *call.CallSession) {
	sc := bufio.NewScanner(os.Stdin)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) == 0 {
			continue
		}
		st := session.Snapshot()
		var err error
		switch fields[0] {
		case "a":
			err = session.SetAudio(!st.Intent.Audio)
		case "v":
			err = session.SetVideo(!st.Intent.Video)
		case "s":
			err = session.SetSharing(!st.Intent.Sharing)
		case "k":
			if len(fields) < 2 {
				pterm.Println("usage: k <uid>")
				continue
			}
			err = session.Kick(ctx, domain.UserID(fields[1]))
		case "d":
			for _, line := range session.Diagnostics() {
				pterm.Println(line)
			}
		case "q":
			cancel()
			return
		default:
			pterm.Println("commands: a v s k <uid> d q")
		}
		if err != nil {
			pterm.Error.Println(err)
		}
	}
	cancel()
}
