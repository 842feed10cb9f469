package main

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-audio/wav"
	"github.com/loqalabs/livescribe/internal/bus"
	"github.com/loqalabs/livescribe/internal/config"
	"github.com/loqalabs/livescribe/internal/protocol"
	"github.com/nats-io/nats.go"
)

var version = "0.1.0-dev"

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "expected 'feed', 'tail' or 'version'")
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "feed":
		err = runFeed(os.Args[2:])
	case "tail":
		err = runTail(os.Args[2:])
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", os.Args[1])
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func connect(ctx context.Context, configPath string) (config.Config, *bus.Client, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return cfg, nil, err
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	client, err := bus.Connect(ctx, cfg.Bus, logger)
	return cfg, client, err
}

// runFeed streams a 16-bit WAV file to a device's audio subject, the way a
// microphone would.
func runFeed(args []string) error {
	fs := flag.NewFlagSet("feed", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	file := fs.String("file", "", "WAV file to stream")
	device := fs.String("device", "", "Device id (defaults to recorder.device)")
	chunk := fs.Duration("chunk", 100*time.Millisecond, "Audio per frame")
	realtime := fs.Bool("realtime", true, "Pace frames at playback speed")
	_ = fs.Parse(args)
	if *file == "" {
		return errors.New("feed: -file is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, client, err := connect(ctx, *configPath)
	if err != nil {
		return err
	}
	defer client.Close()
	if *device == "" {
		*device = cfg.Recorder.Device
	}

	pcm, sampleRate, channels, err := readWav(*file)
	if err != nil {
		return err
	}
	frameBytes := int(chunk.Seconds()*float64(sampleRate)) * channels * 2
	if frameBytes <= 0 {
		return errors.New("feed: chunk too small")
	}

	subject := protocol.AudioFrameSubject(*device)
	var seq int
	for offset := 0; offset < len(pcm); offset += frameBytes {
		end := min(offset+frameBytes, len(pcm))
		seq++
		frame := protocol.AudioFrame{
			Device:     *device,
			Sequence:   seq,
			SampleRate: sampleRate,
			Channels:   channels,
			PCM:        pcm[offset:end],
			Final:      end == len(pcm),
		}
		if err := client.PublishJSON(subject, frame); err != nil {
			return fmt.Errorf("publish frame %d: %w", seq, err)
		}
		if *realtime && !frame.Final {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(*chunk):
			}
		}
	}
	if err := client.Conn().Flush(); err != nil {
		return err
	}
	fmt.Printf("sent %d frames to %s\n", seq, subject)
	return nil
}

func readWav(path string) ([]byte, int, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, 0, err
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, 0, 0, fmt.Errorf("decode %s: %w", path, err)
	}
	if dec.BitDepth != 16 {
		return nil, 0, 0, fmt.Errorf("decode %s: expected 16-bit samples, got %d", path, dec.BitDepth)
	}
	pcm := make([]byte, len(buf.Data)*2)
	for i, s := range buf.Data {
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(int16(s)))
	}
	return pcm, int(dec.SampleRate), int(dec.NumChans), nil
}

// runTail prints transcripts as they are written.
func runTail(args []string) error {
	fs := flag.NewFlagSet("tail", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	_ = fs.Parse(args)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, client, err := connect(ctx, *configPath)
	if err != nil {
		return err
	}
	defer client.Close()

	sub, err := client.Conn().Subscribe(protocol.TranscriptCreatedSubject(cfg.Store.Collection), func(msg *nats.Msg) {
		var evt protocol.TranscriptCreated
		if err := json.Unmarshal(msg.Data, &evt); err != nil {
			fmt.Fprintf(os.Stderr, "bad notification: %v\n", err)
			return
		}
		printTranscript(os.Stdout, evt)
	})
	if err != nil {
		return err
	}
	defer func() { _ = sub.Unsubscribe() }()

	<-ctx.Done()
	return nil
}

func printTranscript(w io.Writer, evt protocol.TranscriptCreated) {
	fmt.Fprintf(w, "%s  %s\n", evt.Timestamp.Local().Format("2006/01/02 15:04:05"), evt.Text)
}
