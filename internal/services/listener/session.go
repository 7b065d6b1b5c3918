package listener

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/vadiminshakov/ordermirror/internal/domain"
)

// acquireSession returns the held token, a cached one, or a fresh one from the exchange.
func (l *Listener) acquireSession(ctx context.Context) (string, error) {
	l.mu.Lock()
	if l.session.Valid() {
		token := l.session.Token
		l.mu.Unlock()
		return token, nil
	}
	l.mu.Unlock()

	if cached := l.loadCached(ctx); cached != nil {
		l.l.Info("reusing cached listen key")
		return l.adopt(*cached), nil
	}

	token, err := l.gw.StartSession(ctx)
	if err != nil {
		return "", err
	}
	if token == "" {
		return "", errors.New("empty listen key")
	}

	now := l.now()
	s := domain.Session{Token: token, IssuedAt: now, LastKeepalive: now}
	token = l.adopt(s)
	l.saveCached(ctx, s)
	return token, nil
}

// adopt installs s unless another session got installed concurrently.
func (l *Listener) adopt(s domain.Session) string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.session.Valid() {
		return l.session.Token
	}
	l.session = &s
	return s.Token
}

// discardSession forgets token if it is still the held one.
func (l *Listener) discardSession(ctx context.Context, token string) {
	l.mu.Lock()
	held := l.session != nil && l.session.Token == token
	if held {
		l.session = nil
	}
	l.mu.Unlock()

	if held {
		l.deleteCached(ctx)
	}
}

// RunKeepalive extends the listen key every refresh interval. A failed
// keepalive throws the whole session away.
func (l *Listener) RunKeepalive(ctx context.Context) error {
	ticker := time.NewTicker(l.cfg.KeepaliveCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			l.keepalive(ctx)
		}
	}
}

func (l *Listener) keepalive(ctx context.Context) {
	l.mu.Lock()
	if !l.session.Valid() || l.now().Sub(l.session.LastKeepalive) <= l.cfg.KeepaliveRefreshInterval {
		l.mu.Unlock()
		return
	}
	token := l.session.Token
	l.mu.Unlock()

	err := l.gw.KeepaliveSession(ctx, token)
	if err == nil {
		var refreshed *domain.Session
		l.mu.Lock()
		if l.session != nil && l.session.Token == token {
			l.session.LastKeepalive = l.now()
			s := *l.session
			refreshed = &s
		}
		l.mu.Unlock()

		if refreshed != nil {
			l.saveCached(ctx, *refreshed)
		}
		return
	}
	if ctx.Err() != nil {
		return
	}

	n := l.keepaliveErrors.Add(1)
	l.metrics.KeepaliveFailed(ctx)
	l.l.Warn("listen key keepalive failed, restarting session",
		zap.Error(err), zap.Int64("keepalive_errors", n))
	l.restartSession(ctx, token)
}

// restartSession drops token and closes the live connection so the connect
// loop obtains a new one.
func (l *Listener) restartSession(ctx context.Context, token string) {
	l.mu.Lock()
	if l.session == nil || l.session.Token != token {
		l.mu.Unlock()
		return
	}
	l.session = nil
	conn := l.conn
	l.mu.Unlock()

	l.deleteCached(ctx)
	if conn != nil {
		_ = conn.Close()
	}
}

// Suspend closes the session and keeps the listener disconnected until Resume.
func (l *Listener) Suspend(ctx context.Context) error {
	l.mu.Lock()
	l.suspended = true
	session := l.session
	l.session = nil
	conn := l.conn
	l.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	if !session.Valid() {
		return nil
	}

	l.deleteCached(ctx)
	if err := l.gw.CloseSession(ctx, session.Token); err != nil {
		return errors.Wrap(err, "close session")
	}
	l.l.Info("user data stream suspended")
	return nil
}

// Resume lets a suspended listener reconnect.
func (l *Listener) Resume() {
	l.mu.Lock()
	wasSuspended := l.suspended
	l.suspended = false
	l.mu.Unlock()

	if !wasSuspended {
		return
	}
	select {
	case l.wake <- struct{}{}:
	default:
	}
	l.l.Info("user data stream resumed")
}

// Status reports the session state for the admin surface.
func (l *Listener) Status() domain.SessionStatus {
	l.mu.Lock()
	defer l.mu.Unlock()

	st := domain.SessionStatus{
		Active:          l.session.Valid() && !l.suspended,
		State:           string(l.state),
		Reconnects:      l.reconnects.Load(),
		KeepaliveErrors: l.keepaliveErrors.Load(),
		Dropped:         l.dropped.Load(),
	}
	if l.session.Valid() {
		st.LastKeepaliveAgeMs = l.now().Sub(l.session.LastKeepalive).Milliseconds()
	}
	return st
}

func (l *Listener) loadCached(ctx context.Context) *domain.Session {
	if l.cache == nil {
		return nil
	}
	s, err := l.cache.Load(ctx)
	if err != nil {
		l.l.Warn("failed to load cached listen key", zap.Error(err))
		return nil
	}
	if !s.Valid() {
		return nil
	}
	return s
}

func (l *Listener) saveCached(ctx context.Context, s domain.Session) {
	if l.cache == nil {
		return
	}
	if err := l.cache.Save(ctx, s); err != nil {
		l.l.Warn("failed to cache listen key", zap.Error(err))
	}
}

func (l *Listener) deleteCached(ctx context.Context) {
	if l.cache == nil {
		return
	}
	if err := l.cache.Delete(ctx); err != nil {
		l.l.Warn("failed to delete cached listen key", zap.Error(err))
	}
}
