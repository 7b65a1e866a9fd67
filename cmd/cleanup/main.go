package main

import (
	"context"
	"os"
	"os/signal"
	"sort"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/ilyakaznacheev/cleanenv"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"github.com/getsentry/sampletree/internal/logutil"
	"github.com/getsentry/sampletree/internal/storageprovider"
	"github.com/getsentry/sampletree/internal/storageutil"
	"github.com/getsentry/sampletree/internal/treestore"
)

type config struct {
	SentryDSN      string `env:"SENTRY_DSN"`
	LogLevel       string `env:"LOG_LEVEL" env-default:"info"`
	StorageBackend string `env:"STORAGE_BACKEND" env-default:"blob"`
	StorageURL     string `env:"STORAGE_URL" env-default:"file:///var/lib/sampletree"`
	GCSBucket      string `env:"GCS_BUCKET" env-default:"sentry-sample-trees"`
	BadgerPath     string `env:"BADGER_PATH" env-default:"/var/lib/sampletree"`
	RetentionDays  int    `env:"RETENTION_DAYS" env-default:"90"`
	Schedule       string `env:"CLEANUP_SCHEDULE" env-default:"@daily"`
}

// expired returns one reference per window ended before limit, whatever
// artifacts of it are left.
func expired(refs []storageutil.ArtifactRef, limit time.Time) []storageutil.ArtifactRef {
	seen := make(map[string]struct{})
	var windows []storageutil.ArtifactRef
	for _, ref := range refs {
		if !ref.Window.End().Before(limit) {
			continue
		}
		ref = ref.WithKind(storageutil.KindSummary)
		if _, ok := seen[ref.Path()]; ok {
			continue
		}
		seen[ref.Path()] = struct{}{}
		windows = append(windows, ref)
	}
	sort.Slice(windows, func(i, j int) bool {
		return windows[i].Path() < windows[j].Path()
	})
	return windows
}

// cleanup deletes the windows ended before limit and returns how many were
// deleted.
func cleanup(ctx context.Context, store *treestore.Store, limit time.Time) (int, error) {
	refs, err := store.ListArtifacts(ctx, "")
	if err != nil {
		return 0, err
	}
	var deleted int
	for _, ref := range expired(refs, limit) {
		if err := store.DeleteWindow(ctx, ref); err != nil {
			return deleted, err
		}
		deleted++
	}
	return deleted, nil
}

func main() {
	var cfg config
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		log.Fatal().Err(err).Msg("error reading the configuration")
	}

	logutil.ConfigureLogger(cfg.LogLevel)

	err := sentry.Init(sentry.ClientOptions{Dsn: cfg.SentryDSN})
	if err != nil {
		log.Fatal().Err(err).Msg("can't initialize sentry")
	}

	ctx := context.Background()
	handler, closeStorage, err := storageprovider.Open(ctx, storageprovider.Config{
		Backend:    cfg.StorageBackend,
		URL:        cfg.StorageURL,
		GCSBucket:  cfg.GCSBucket,
		BadgerPath: cfg.BadgerPath,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("can't open the storage")
	}
	defer closeStorage()

	store, err := treestore.New(handler, treestore.Config{})
	if err != nil {
		log.Fatal().Err(err).Msg("can't set up the store")
	}

	retention := 24 * time.Hour * time.Duration(cfg.RetentionDays)

	c := cron.New()
	_, err = c.AddFunc(cfg.Schedule, func() {
		limit := time.Now().Add(-retention)
		deleted, err := cleanup(ctx, store, limit)
		if err != nil {
			sentry.CaptureException(err)
			log.Error().Err(err).Msg("error cleaning up windows")
		}
		log.Info().Int("deleted", deleted).Time("limit", limit).Msg("expired windows deleted")
	})
	if err != nil {
		log.Fatal().Err(err).Msg("can't set up cron function")
	}

	exitSignal := make(chan os.Signal, 1)
	signal.Notify(exitSignal, os.Interrupt)

	go func() {
		<-exitSignal

		c.Stop()
	}()

	c.Run()
}
