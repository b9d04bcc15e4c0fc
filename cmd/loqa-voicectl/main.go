package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/loqalabs/loqa-voice/internal/bus"
	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/protocol"
	"github.com/nats-io/nats.go"
)

var version = "0.1.0-dev"

const usage = `usage: loqa-voicectl [-servers URL] [-timeout D] COMMAND [ARGS]

commands:
  enable | disable | mute | unmute | stop | status
  speak [-wait] TEXT...
  focus true|false
  settings [-voice ID] [-rate R] [-volume V] [-voice-enabled true|false]
  watch      print transcripts, status and notices until interrupted
  version`

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(args []string, out io.Writer) error {
	global := flag.NewFlagSet("loqa-voicectl", flag.ContinueOnError)
	servers := global.String("servers", nats.DefaultURL, "Comma separated NATS server URLs")
	timeout := global.Duration("timeout", 5*time.Second, "Request timeout")
	global.Usage = func() { fmt.Fprintln(global.Output(), usage) }
	if err := global.Parse(args); err != nil {
		return err
	}
	rest := global.Args()
	if len(rest) == 0 {
		global.Usage()
		return errors.New("expected a command")
	}

	name, rest := rest[0], rest[1:]
	if name == "version" {
		fmt.Fprintln(out, version)
		return nil
	}

	cmd, wait, err := parseCommand(name, rest)
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	client, err := bus.Connect(context.Background(), config.BusConfig{
		Servers:        strings.Split(*servers, ","),
		ConnectTimeout: int(timeout.Milliseconds()),
	}, "loqa-voicectl", logger)
	if err != nil {
		return err
	}
	defer client.Close()

	if name == "watch" {
		return watch(client, out)
	}

	reqTimeout := *timeout
	if wait {
		reqTimeout = 2 * time.Minute
	}
	ctx, cancel := context.WithTimeout(context.Background(), reqTimeout)
	defer cancel()

	var reply protocol.Reply
	if err := client.RequestJSON(ctx, protocol.ControlSubject(cmd.Action), cmd, &reply); err != nil {
		return err
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(reply); err != nil {
		return err
	}
	if !reply.OK {
		return fmt.Errorf("%s failed: %s", cmd.Action, reply.Error)
	}
	return nil
}

// parseCommand turns a command line into a control request. wait reports
// whether the caller should allow for a blocking speak.
func parseCommand(name string, args []string) (protocol.Command, bool, error) {
	cmd := protocol.Command{Action: name}
	switch name {
	case protocol.ActionEnable, protocol.ActionDisable, protocol.ActionMute,
		protocol.ActionUnmute, protocol.ActionStop, protocol.ActionStatus, "watch":
		if len(args) > 0 {
			return cmd, false, fmt.Errorf("%s takes no arguments", name)
		}
	case protocol.ActionSpeak:
		fs := flag.NewFlagSet(name, flag.ContinueOnError)
		wait := fs.Bool("wait", false, "Block until the utterance finished")
		if err := fs.Parse(args); err != nil {
			return cmd, false, err
		}
		cmd.Text = strings.Join(fs.Args(), " ")
		if strings.TrimSpace(cmd.Text) == "" {
			return cmd, false, errors.New("speak requires text")
		}
		cmd.Blocking = *wait
		return cmd, *wait, nil
	case protocol.ActionFocus:
		if len(args) != 1 {
			return cmd, false, errors.New("focus requires true or false")
		}
		focused, err := strconv.ParseBool(args[0])
		if err != nil {
			return cmd, false, fmt.Errorf("focus: %w", err)
		}
		cmd.Focused = &focused
	case protocol.ActionSettings:
		fs := flag.NewFlagSet(name, flag.ContinueOnError)
		voice := fs.String("voice", "", "Voice id")
		rate := fs.Float64("rate", 0, "Speaking rate (0.5-2.0)")
		volume := fs.Float64("volume", -1, "Volume (0-1)")
		enabled := fs.String("voice-enabled", "", "Enable or disable speech output")
		if err := fs.Parse(args); err != nil {
			return cmd, false, err
		}
		if *voice != "" {
			cmd.VoiceID = voice
		}
		if *rate > 0 {
			cmd.Rate = rate
		}
		if *volume >= 0 {
			cmd.Volume = volume
		}
		if *enabled != "" {
			v, err := strconv.ParseBool(*enabled)
			if err != nil {
				return cmd, false, fmt.Errorf("voice-enabled: %w", err)
			}
			cmd.Enabled = &v
		}
	default:
		return cmd, false, fmt.Errorf("unknown command %q", name)
	}
	return cmd, false, nil
}

func watch(client *bus.Client, out io.Writer) error {
	msgs := make(chan *nats.Msg, 64)
	var subs []*nats.Subscription
	for _, subject := range []string{
		protocol.SubjectTranscriptPartial,
		protocol.SubjectTranscriptFinal,
		protocol.SubjectStatus,
		protocol.SubjectNotify,
	} {
		sub, err := client.Conn().ChanSubscribe(subject, msgs)
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", subject, err)
		}
		subs = append(subs, sub)
	}
	defer func() {
		for _, sub := range subs {
			_ = sub.Unsubscribe()
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-msgs:
			fmt.Fprintf(out, "%s %s\n", msg.Subject, msg.Data)
		}
	}
}
