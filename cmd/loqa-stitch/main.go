package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/loqalabs/loqa-piper/internal/bus"
	"github.com/loqalabs/loqa-piper/internal/config"
	"github.com/loqalabs/loqa-piper/internal/protocol"
	"github.com/loqalabs/loqa-piper/internal/voices"
	"github.com/loqalabs/loqa-piper/internal/wav"
)

var version = "0.1.0-dev"

const usage = "expected 'stitch', 'voices', 'say' or 'version'"

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "stitch":
		err = runStitch(os.Args[2:])
	case "voices":
		err = runVoices(os.Args[2:])
	case "say":
		err = runSay(os.Args[2:])
	case "version":
		fmt.Println(version)
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", os.Args[1])
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runStitch(args []string) error {
	var out string
	cmd := flag.NewFlagSet("stitch", flag.ExitOnError)
	cmd.StringVar(&out, "o", "stitched.wav", "Output file")
	cmd.Parse(args)
	if cmd.NArg() == 0 {
		return fmt.Errorf("stitch needs at least one input file")
	}

	buffers := make([][]byte, 0, cmd.NArg())
	for _, path := range cmd.Args() {
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		buffers = append(buffers, data)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	audio, err := wav.NewStitcher(logger).Stitch(buffers)
	if err != nil {
		return err
	}
	if err := os.WriteFile(out, audio, 0o644); err != nil {
		return err
	}
	report(os.Stdout, out, audio)
	return nil
}

func runVoices(args []string) error {
	if len(args) == 0 || args[0] != "validate" {
		return fmt.Errorf("expected 'voices validate'")
	}
	var path string
	cmd := flag.NewFlagSet("voices validate", flag.ExitOnError)
	cmd.StringVar(&path, "file", "voices.yaml", "Path to voice catalog")
	cmd.Parse(args[1:])

	catalog, err := voices.Load(path)
	if err != nil {
		return err
	}
	if err := voices.Validate(catalog); err != nil {
		return err
	}
	fmt.Printf("catalog valid: %s\n", strings.Join(catalog.Names(), ", "))
	return nil
}

// runSay asks a running daemon to synthesize text over the bus.
func runSay(args []string) error {
	var (
		servers string
		prefix  string
		voice   string
		speaker string
		out     string
		timeout time.Duration
	)
	cmd := flag.NewFlagSet("say", flag.ExitOnError)
	cmd.StringVar(&servers, "servers", "nats://127.0.0.1:4222", "Comma separated NATS servers")
	cmd.StringVar(&prefix, "prefix", "tts", "Subject prefix of the daemon")
	cmd.StringVar(&voice, "voice", "", "Voice name from the daemon's catalog")
	cmd.StringVar(&speaker, "speaker", "", "Speaker name within the voice")
	cmd.StringVar(&out, "o", "say.wav", "Output file")
	cmd.DurationVar(&timeout, "timeout", 2*time.Minute, "Request timeout")
	cmd.Parse(args)
	text := strings.TrimSpace(strings.Join(cmd.Args(), " "))
	if text == "" {
		return fmt.Errorf("say needs text")
	}

	cfg := config.Default().Bus
	cfg.Servers = strings.Split(servers, ",")
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	client, err := bus.Connect(ctx, "loqa-stitch", cfg, logger)
	if err != nil {
		return err
	}
	defer client.Close()

	var reply protocol.SynthesizeReply
	req := protocol.SynthesizeRequest{Text: text, Voice: voice, Speaker: speaker}
	if err := client.RequestJSON(ctx, protocol.Subject(prefix, protocol.SubjectSynthesize), req, &reply); err != nil {
		return err
	}
	if err := reply.Error.Err(); err != nil {
		return err
	}
	if err := os.WriteFile(out, reply.Audio, 0o644); err != nil {
		return err
	}
	report(os.Stdout, out, reply.Audio)
	return nil
}

func report(w io.Writer, path string, audio []byte) {
	if d, err := wav.Duration(audio); err == nil {
		fmt.Fprintf(w, "wrote %s (%d bytes, %s)\n", path, len(audio), d.Round(time.Millisecond))
		return
	}
	fmt.Fprintf(w, "wrote %s (%d bytes)\n", path, len(audio))
}
