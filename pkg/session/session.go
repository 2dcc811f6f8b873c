// Package session owns the lifecycle of a single remote session: connecting,
// moving into the server directory, and reconnecting when the session has
// been open for longer than the server is likely to tolerate.
package session

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"

	"github.com/sidkik/ftp-deploy/pkg/errors"
	"github.com/sidkik/ftp-deploy/pkg/remote"
)

// ShouldRefresh returns whether a session that connected at
// `lastConnectedAt` is old enough that it should be re-established.
// A non-positive `maxAge` disables refreshing.
func ShouldRefresh(now, lastConnectedAt time.Time, maxAge time.Duration) bool {
	if maxAge <= 0 {
		return false
	}
	return now.Sub(lastConnectedAt) >= maxAge
}

// Config contains the parameters needed to (re-)establish a session.
type Config struct {
	Dial    remote.Dialer
	Options remote.Options

	// ServerDir is the folder that the session moves into after connecting.
	// Record paths are relative to it.
	ServerDir string

	// MaxAge is how long a session may stay open before it's refreshed.
	MaxAge time.Duration

	Clock clockwork.Clock
	Log   log.FieldLogger
}

// Handle is a session that's exclusively owned by one goroutine. It's not
// safe for concurrent use.
type Handle struct {
	cfg Config

	client          remote.Client
	lastConnectedAt time.Time
}

// New returns a Handle that isn't connected yet.
func New(cfg Config) *Handle {
	if cfg.Dial == nil {
		cfg.Dial = remote.Dial
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Log == nil {
		cfg.Log = log.StandardLogger()
	}
	return &Handle{cfg: cfg}
}

// Connect establishes the session and moves into the server directory.
func (h *Handle) Connect(ctx context.Context) error {
	client, err := h.cfg.Dial(ctx, h.cfg.Options)
	if err != nil {
		return errors.WithContext(err, "connect")
	}

	if h.cfg.ServerDir != "" {
		if err := client.EnsureDir(h.cfg.ServerDir); err != nil {
			if closeErr := client.Close(); closeErr != nil {
				h.cfg.Log.WithError(closeErr).Debug("Failed to close session")
			}
			return errors.WithContext(err, "change to server directory")
		}
	}

	h.client = client
	h.lastConnectedAt = h.cfg.Clock.Now()
	return nil
}

// Refresh closes the session if it's open, and connects again. On failure the
// handle is left disconnected and the error is returned so that the caller
// can decide whether to abort.
func (h *Handle) Refresh(ctx context.Context) error {
	h.close()
	if err := h.Connect(ctx); err != nil {
		h.cfg.Log.WithError(err).Warn("Failed to re-establish session")
		return err
	}
	h.cfg.Log.Debug("Re-established session")
	return nil
}

// RefreshIfStale refreshes the session if it's older than the configured max
// age. It returns whether a refresh was attempted.
func (h *Handle) RefreshIfStale(ctx context.Context) (bool, error) {
	if !ShouldRefresh(h.cfg.Clock.Now(), h.lastConnectedAt, h.cfg.MaxAge) {
		return false, nil
	}

	h.cfg.Log.WithField("maxAge", h.cfg.MaxAge).Debug("Session is stale. Refreshing.")
	return true, h.Refresh(ctx)
}

// Client returns the current session. It may be nil if the handle has never
// connected, or if the last refresh failed.
func (h *Handle) Client() remote.Client {
	return h.client
}

// IsOpen returns whether the handle has a session that hasn't been closed.
func (h *Handle) IsOpen() bool {
	return h.client != nil && !h.client.Closed()
}

// LastConnectedAt returns when the current session was established.
func (h *Handle) LastConnectedAt() time.Time {
	return h.lastConnectedAt
}

// Close closes the session. It's safe to call multiple times.
func (h *Handle) Close() error {
	if h.client == nil {
		return nil
	}

	client := h.client
	h.client = nil
	if client.Closed() {
		return nil
	}
	return client.Close()
}

func (h *Handle) close() {
	if err := h.Close(); err != nil {
		h.cfg.Log.WithError(err).Debug("Failed to close session")
	}
}
