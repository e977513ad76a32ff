package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/alexflint/go-arg"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/handsomefox/gallerydl/catalog"
	"github.com/handsomefox/gallerydl/downloader"
	"github.com/handsomefox/gallerydl/fetch"
	"github.com/handsomefox/gallerydl/files"
	"github.com/handsomefox/gallerydl/ledger"
)

const eventLogFilename = "gallerydl.log"

type AppArguments struct {
	SaveDirectory   string `arg:"-d,--dir" default:"nasa_images" help:"download directory"`
	WorkerCount     int    `arg:"-w,--workers" default:"3" help:"number of parallel downloads"`
	MaxRetries      int    `arg:"-r,--retries" default:"3" help:"number of retries per image"`
	MinSize         int    `arg:"--min-size" default:"100" help:"minimum image size (px)"`
	RetryFailed     bool   `arg:"--retry-failed" help:"retry only failed downloads (from failed_downloads.txt)"`
	Query           string `arg:"-q,--query" help:"narrow the gallery listing to a search term"`
	MaxPages        int    `arg:"--pages" help:"maximum catalog pages to enumerate (0 = all)"`
	ConfigPath      string `arg:"-c,--config" help:"optional YAML config file"`
	VerboseLogging  bool   `arg:"-v,--verbose" help:"enable debug logging"`
	ProgressLogging bool   `arg:"--progress" help:"periodically log download progress"`
}

func main() {
	var args AppArguments
	p := arg.MustParse(&args)

	if args.ConfigPath != "" {
		if err := applyConfigFile(&args, args.ConfigPath); err != nil {
			p.Fail(err.Error())
		}
	}
	if args.WorkerCount < 1 {
		p.Fail("worker count must be at least 1")
	}

	setupLogging(&args)
	log.Info().
		Str("directory", args.SaveDirectory).
		Int("workers", args.WorkerCount).
		Int("retries", args.MaxRetries).
		Int("min_size_px", args.MinSize).
		Bool("retry_failed", args.RetryFailed).
		Msg("gallery download starting")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, &args); err != nil {
		if errors.Is(err, context.Canceled) {
			log.Info().Msg("interrupted, in-flight items will be re-attempted next run")
			return
		}
		log.Fatal().Err(err).Msg("error running the app")
	}
}

func run(ctx context.Context, args *AppArguments) error {
	if err := files.CheckWritable(args.SaveDirectory); err != nil {
		return err
	}

	store, err := ledger.Open(args.SaveDirectory)
	if err != nil {
		return err
	}
	defer store.Close()

	cfg := &downloader.Config{
		Directory:    args.SaveDirectory,
		WorkerCount:  args.WorkerCount,
		MaxRetries:   args.MaxRetries,
		MinSize:      args.MinSize,
		RetryFailed:  args.RetryFailed,
		ShowProgress: args.ProgressLogging,
	}

	source := catalog.NewNASASource(args.Query, args.MaxPages)
	dl := downloader.New(cfg, source, fetch.NewClient(), store)

	return dl.Run(ctx)
}

// setupLogging sends events both to the console and to a size-capped
// rotating log file inside the download directory.
func setupLogging(args *AppArguments) {
	rotating := &lumberjack.Logger{
		Filename:   filepath.Join(args.SaveDirectory, eventLogFilename),
		MaxSize:    2, // megabytes
		MaxBackups: 3,
	}
	console := zerolog.ConsoleWriter{Out: os.Stderr}

	log.Logger = zerolog.New(zerolog.MultiLevelWriter(console, rotating)).
		With().Timestamp().Logger()

	if args.VerboseLogging {
		log.Logger = log.Level(zerolog.DebugLevel)
	} else {
		log.Logger = log.Level(zerolog.InfoLevel)
	}
}
