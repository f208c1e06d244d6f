package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/nhle/incidentwatch/internal/api"
	"github.com/nhle/incidentwatch/internal/credential"
	"github.com/nhle/incidentwatch/internal/ingest"
	"github.com/nhle/incidentwatch/internal/intake/mailbox"
	"github.com/nhle/incidentwatch/internal/lifecycle"
	"github.com/nhle/incidentwatch/internal/logging"
	"github.com/nhle/incidentwatch/internal/model"
	"github.com/nhle/incidentwatch/internal/refresh"
	"github.com/nhle/incidentwatch/internal/store"
	appsync "github.com/nhle/incidentwatch/internal/sync"
)

// tokenEnv overrides the keyring token, e.g. for CI.
const tokenEnv = "INCIDENTWATCH_TOKEN"

// Options adjusts how a Runtime is opened.
type Options struct {
	// LogWriter receives diagnostics. When nil the configured log file
	// is used.
	LogWriter io.Writer

	// Token, when set, takes precedence over the environment and the
	// keyring.
	Token string
}

// Runtime holds the long-lived services shared by the CLI commands and
// the dashboard.
type Runtime struct {
	Config    *model.AppConfig
	Logger    *slog.Logger
	Store     *store.SQLiteStore
	Keyring   *credential.Keyring
	Client    *api.Client
	Coord     *refresh.Coordinator
	Lifecycle *lifecycle.Service
	Pipeline  *ingest.Pipeline
	Poller    *appsync.Poller

	cancel  context.CancelFunc
	logFile *os.File
}

// Open wires every service from cfg. The caller must Close the Runtime.
func Open(cfg *model.AppConfig, opts Options) (*Runtime, error) {
	rt := &Runtime{Config: cfg}

	level := logging.ParseLevel(cfg.Log.Level)
	if opts.LogWriter != nil {
		rt.Logger = logging.NewTextLogger(opts.LogWriter, level)
	} else {
		logger, f, err := logging.OpenFile(cfg.Log.Path, level)
		if err != nil {
			return nil, err
		}
		rt.Logger, rt.logFile = logger, f
	}

	s, err := store.NewSQLiteStore(cfg.Store.Path)
	if err != nil {
		rt.Close()
		return nil, fmt.Errorf("opening snapshot store: %w", err)
	}
	rt.Store = s

	rt.Keyring = credential.NewKeyring(credential.TokenKey)
	creds := credential.Chain{
		credential.Static(opts.Token),
		credential.Static(os.Getenv(tokenEnv)),
		rt.Keyring,
	}

	authority := lifecycle.NewAuthority(lifecycle.PolicyFor(cfg.Lifecycle))
	rt.Client = api.NewClient(cfg.API.BaseURL, creds,
		api.WithTimeout(cfg.RequestTimeout()),
		api.WithAPIKey(cfg.API.APIKey),
		api.WithAuthority(authority),
		api.WithLogger(rt.Logger),
	)

	ctx, cancel := context.WithCancel(context.Background())
	rt.cancel = cancel
	rt.Coord = refresh.New(ctx, refresh.Config{
		FetchTimeout: cfg.FetchTimeout(),
		RetainFor:    cfg.RetainFor(),
		Logger:       rt.Logger,
	})

	rt.Lifecycle = lifecycle.NewService(authority, rt.Client, rt.Coord, rt.Logger)
	rt.Pipeline = ingest.NewPipeline(rt.Client,
		ingest.WithInvalidator(rt.Coord),
		ingest.WithMaxFileBytes(cfg.Ingest.MaxFileBytes),
		ingest.WithLogger(rt.Logger),
	)
	rt.Poller = appsync.New(rt.Store, rt.Coord, rt.ListFetcher(), cfg.RefreshInterval(), rt.Logger)

	return rt, nil
}

// ListFetcher loads the first page of incidents for refresh.ListKey().
func (rt *Runtime) ListFetcher() refresh.Fetcher {
	limit := rt.Config.Refresh.ListLimit
	return func(ctx context.Context) (any, error) {
		return rt.Client.ListIncidents(ctx, 0, limit)
	}
}

// IncidentFetcher loads one incident for refresh.IncidentKey(id). The
// value is a *model.Incident.
func (rt *Runtime) IncidentFetcher(id model.ID) refresh.Fetcher {
	return func(ctx context.Context) (any, error) {
		return rt.Client.GetIncident(ctx, id)
	}
}

// RecordJob stores the outcome of a finished upload in the history.
func (rt *Runtime) RecordJob(ctx context.Context, job ingest.JobSnapshot, source string) {
	if !job.State.Terminal() || job.Superseded {
		return
	}
	if err := rt.Store.RecordUpload(ctx, job.Record(source)); err != nil {
		rt.Logger.Warn("recording upload", "job", job.ID, "err", err)
	}
}

// Mailbox builds the IMAP intake from the mailbox section of the config.
// The password is read from the keyring.
func (rt *Runtime) Mailbox() (*mailbox.Intake, error) {
	mc := rt.Config.Mailbox
	if mc.Host == "" || mc.Username == "" {
		return nil, fmt.Errorf("mailbox is not configured (set mailbox.host and mailbox.username)")
	}
	password, err := credential.Get(credential.MailboxPasswordKey)
	if err != nil {
		return nil, fmt.Errorf("reading mailbox password: %w", err)
	}
	client := mailbox.NewIMAPClient(mc.Host, mc.Port, mc.Username, password, mc.TLS, mc.Folder)
	return mailbox.New(client, rt.Pipeline, rt.Store, rt.Logger), nil
}

// Close stops background work and releases the store and log file.
func (rt *Runtime) Close() error {
	if rt.Poller != nil {
		rt.Poller.Stop()
	}
	if rt.Coord != nil {
		rt.Coord.Close()
	}
	if rt.cancel != nil {
		rt.cancel()
	}
	var err error
	if rt.Store != nil {
		err = rt.Store.Close()
	}
	if rt.logFile != nil {
		rt.logFile.Close()
	}
	return err
}
