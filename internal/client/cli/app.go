package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/atinyakov/modelsync/internal/client/api"
	"github.com/atinyakov/modelsync/internal/client/broadcast"
	"github.com/atinyakov/modelsync/internal/client/queue"
	"github.com/atinyakov/modelsync/internal/client/session"
	"github.com/atinyakov/modelsync/internal/client/storage"
	"github.com/atinyakov/modelsync/internal/client/syncer"
	"github.com/atinyakov/modelsync/internal/client/tablock"
	"github.com/atinyakov/modelsync/internal/config"
	"github.com/atinyakov/modelsync/internal/kv"
	"go.uber.org/zap"
)

const (
	stateFile      = "state.db"
	requestTimeout = 30 * time.Second
)

// ErrLocked is returned when another running instance holds the edit lock.
var ErrLocked = errors.New("records are locked by another running instance")

// App is one client instance: the durable state in the data directory and
// the components built on it.
type App struct {
	Options *config.ClientOptions
	Log     *zap.Logger

	Durable *kv.SQLite
	Session *session.Store
	API     *api.Client
	Queue   *queue.Queue
	Records *storage.LocalStorage
	Engine  *syncer.Engine
}

// Open builds an App and restores the session, the pending changes and
// the local records.
func Open(ctx context.Context, opts *config.ClientOptions, log *zap.Logger) (*App, error) {
	if err := os.MkdirAll(opts.DataDir, 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	durable, err := kv.OpenSQLite(filepath.Join(opts.DataDir, stateFile))
	if err != nil {
		return nil, err
	}
	httpClient, err := api.NewHTTPClient(opts.CAFile, requestTimeout)
	if err != nil {
		durable.Close()
		return nil, err
	}

	sess := session.NewStore(durable)
	client := api.NewClient(httpClient, opts.ServerURL, sess, log)
	q := queue.New(durable, sess.Authenticated, log)
	records := storage.New(filepath.Join(opts.DataDir, storage.DefaultFile), log)
	engine := syncer.New(syncer.Config{
		PageSize: opts.PageSize,
		Interval: time.Duration(opts.SyncInterval),
	}, syncer.Deps{
		Remote:  client,
		Session: sess,
		Queue:   q,
		Store:   durable,
		Local:   records,
		Log:     log,
	})
	client.OnSessionExpired(engine.HandleSessionExpired)

	app := &App{
		Options: opts,
		Log:     log,
		Durable: durable,
		Session: sess,
		API:     client,
		Queue:   q,
		Records: records,
		Engine:  engine,
	}
	if err := app.Reload(ctx); err != nil {
		app.Close()
		return nil, err
	}
	return app, nil
}

// Reload re-reads the durable state, which another instance may have
// changed since Open.
func (a *App) Reload(ctx context.Context) error {
	if err := a.Engine.Load(ctx); err != nil {
		return fmt.Errorf("load sync state: %w", err)
	}
	if err := a.Records.Load(); err != nil {
		return fmt.Errorf("load records: %w", err)
	}
	return nil
}

// Close releases the durable store.
func (a *App) Close() {
	a.Engine.Close()
	if err := a.Durable.Close(); err != nil {
		a.Log.Warn("failed to close state database", zap.Error(err))
	}
}

// channel connects to the server relay when it is enabled and a session
// exists. Without it, instances only see each other through the durable
// lock record. The returned function closes the connection.
func (a *App) channel(ctx context.Context) (broadcast.Channel, broadcast.Subscriber, func()) {
	if !a.Options.Relay || !a.Session.Authenticated() {
		return nil, nil, func() {}
	}
	ws, err := broadcast.DialWS(ctx, a.API.ChannelURL(), a.Session.AccessToken(), a.Log)
	if err != nil {
		a.Log.Warn("relay unavailable, polling the lock only", zap.Error(err))
		return nil, nil, func() {}
	}
	return ws, ws, func() {
		if err := ws.Close(); err != nil {
			a.Log.Debug("relay close", zap.Error(err))
		}
	}
}

// Coordinator builds a tab lock coordinator on the durable store. tabs is
// the store that survives a reload of this instance.
func (a *App) Coordinator(ctx context.Context, tabs kv.Store, reload func()) (*tablock.Coordinator, func()) {
	ch, sub, closeChannel := a.channel(ctx)
	pub := broadcast.NewPublisher(ch, broadcast.DefaultInterval, a.Log)
	coord := tablock.New(a.Durable, tabs, pub, sub, tablock.Config{Reload: reload}, a.Log)
	return coord, func() {
		pub.Close()
		closeChannel()
	}
}

// WithLock runs fn while this instance holds the edit lock. It fails with
// ErrLocked when another instance holds a valid lock.
func (a *App) WithLock(ctx context.Context, fn func() error) error {
	coord, cleanup := a.Coordinator(ctx, kv.NewMemory(), nil)
	defer cleanup()
	if err := coord.Start(ctx); err != nil {
		return err
	}
	defer func() {
		if err := coord.Close(context.WithoutCancel(ctx)); err != nil {
			a.Log.Warn("failed to release tab lock", zap.Error(err))
		}
	}()
	if !coord.CanMutate() {
		return ErrLocked
	}
	// The lock holder may have changed the durable state before it exited.
	if err := a.Reload(ctx); err != nil {
		return err
	}
	return fn()
}

// openApp opens the App for a command.
func (o *RootOptions) openApp(ctx context.Context) (*App, error) {
	if o.client == nil {
		return nil, errors.New("configuration not resolved")
	}
	return Open(ctx, o.client, o.log)
}
