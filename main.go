package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var _ = godotenv.Load()

func main() {
	var (
		zipfile     = flag.String("zipfile", "", "Slack export zip file (required)")
		guild       = flag.String("guild", "", "Discord guild (server name) to import history into (required)")
		token       = flag.String("token", "", "Discord bot token (or DISCORD_TOKEN environment variable)")
		channelList = flag.String("channels", "", "Comma-separated channel names to import (default: all, no '#'s)")
		startDate   = flag.String("start", "", "Date to start importing from (YYYY-MM-DD)")
		endDate     = flag.String("end", "", "Date to end importing at (YYYY-MM-DD)")
		allPrivate  = flag.Bool("all-private", false, "Import all channels as private channels")
		realNames   = flag.Bool("real-names", false, "Use real names from Slack instead of usernames")
		inlineDates = flag.Bool("inline-dates", false, "Put dates inline in messages instead of posting date separators")
		dateFormat  = flag.String("date-format", "2006-01-02", "Go layout for dates in Discord messages")
		timeFormat  = flag.String("time-format", "15:04", "Go layout for times in Discord messages")
		dbPath      = flag.String("db", "slack_to_discord.db", "SQLite database path for ID mappings and resume state")
		verbose     = flag.Bool("v", false, "Show more verbose logs")
	)
	flag.Parse()

	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if *verbose {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	if *zipfile == "" || *guild == "" {
		fmt.Fprintf(os.Stderr, "Error: -zipfile and -guild are required\n")
		flag.Usage()
		os.Exit(1)
	}

	if *token == "" {
		if envToken := os.Getenv("DISCORD_TOKEN"); envToken != "" {
			*token = envToken
		} else {
			fmt.Fprintf(os.Stderr, "Error: Discord token is required. Use -token flag or DISCORD_TOKEN environment variable\n")
			flag.Usage()
			os.Exit(1)
		}
	}

	opts := ImportOptions{
		GuildName:   *guild,
		AllPrivate:  *allPrivate,
		RealNames:   *realNames,
		InlineDates: *inlineDates,
		DateLayout:  *dateFormat,
		TimeLayout:  *timeFormat,
	}
	if *channelList != "" {
		for _, name := range strings.Split(*channelList, ",") {
			if name = strings.TrimPrefix(strings.TrimSpace(name), "#"); name != "" {
				opts.Channels = append(opts.Channels, name)
			}
		}
	}

	var err error
	if opts.Start, opts.End, err = parseDateWindow(*startDate, *endDate); err != nil {
		log.Fatal().Err(err).Msg("Invalid date filter")
	}

	if err := runImport(*zipfile, *token, *dbPath, opts); err != nil {
		log.Fatal().Err(err).Msg("Failed to finish import")
	}
}

// parseDateWindow turns the start/end date flags into a [start, end) window.
// The end date is inclusive, so the window closes at the following midnight.
func parseDateWindow(start, end string) (time.Time, time.Time, error) {
	var s, e time.Time
	var err error
	if start != "" {
		if s, err = time.ParseInLocation("2006-01-02", start, time.Local); err != nil {
			return s, e, fmt.Errorf("invalid start date %q: %w", start, err)
		}
	}
	if end != "" {
		if e, err = time.ParseInLocation("2006-01-02", end, time.Local); err != nil {
			return s, e, fmt.Errorf("invalid end date %q: %w", end, err)
		}
		e = e.AddDate(0, 0, 1)
	}
	return s, e, nil
}

func runImport(zipfile, token, dbPath string, opts ImportOptions) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info().Str("zipfile", zipfile).Msg("Extracting Slack export zip")
	dataDir, err := os.MkdirTemp("", "slack-export-*")
	if err != nil {
		return fmt.Errorf("failed to create temp directory: %w", err)
	}
	defer os.RemoveAll(dataDir)

	if err := extractExport(zipfile, dataDir); err != nil {
		return err
	}
	opts.DataDir = dataDir

	db, err := NewDatabase(dbPath)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer db.Close()

	discord, err := NewDiscordClient(token)
	if err != nil {
		return err
	}

	return NewImporter(discord, db, opts).Run(ctx)
}

func init() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [options]\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "\nImport Slack chat history into Discord.\n")
		fmt.Fprintf(os.Stderr, "\nOptions:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  Import a full export:\n")
		fmt.Fprintf(os.Stderr, "    %s -zipfile export.zip -guild 'My Server' -token <bot-token>\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "\n  Import two channels from March 2023:\n")
		fmt.Fprintf(os.Stderr, "    %s -zipfile export.zip -guild 'My Server' -channels general,random -start 2023-03-01 -end 2023-03-31\n", os.Args[0])
	}
}
