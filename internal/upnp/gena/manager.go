package gena

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Timer is a pending scheduled call.
type Timer interface {
	Stop() bool
}

// AfterFunc schedules f after d.
type AfterFunc func(d time.Duration, f func()) Timer

func realAfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// Manager issues subscription requests and drives renewal timers.
type Manager struct {
	log       *zap.Logger
	http      *http.Client
	afterFunc AfterFunc
	// renewTimeout bounds a renewal request fired by the timer.
	renewTimeout time.Duration
}

// NewManager creates a subscription manager. A nil httpClient uses a client
// with a 10 second timeout.
func NewManager(log *zap.Logger, httpClient *http.Client) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Manager{
		log:          log,
		http:         httpClient,
		afterFunc:    realAfterFunc,
		renewTimeout: 10 * time.Second,
	}
}

// WithAfterFunc replaces the timer scheduler.
func (m *Manager) WithAfterFunc(f AfterFunc) *Manager {
	m.afterFunc = f
	return m
}

// Subscribe sends the initial SUBSCRIBE and, on success, schedules renewals.
func (m *Manager) Subscribe(ctx context.Context, sub *Subscription) error {
	sub.setState(Subscribing)
	req, err := http.NewRequestWithContext(ctx, "SUBSCRIBE", sub.EventURL, nil)
	if err != nil {
		sub.setState(Failed)
		return &SubscriptionError{EventURL: sub.EventURL, Err: err}
	}
	req.Header.Set("CALLBACK", "<"+sub.CallbackURL+">")
	req.Header.Set("NT", "upnp:event")
	req.Header.Set("TIMEOUT", fmt.Sprintf("Second-%d", DefaultTimeout))

	resp, err := m.http.Do(req)
	if err != nil {
		sub.setState(Failed)
		return &SubscriptionError{EventURL: sub.EventURL, Err: err}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		sub.setState(Failed)
		return &SubscriptionError{EventURL: sub.EventURL, StatusCode: resp.StatusCode, Status: resp.Status}
	}
	sid := resp.Header.Get("SID")
	if sid == "" {
		sub.setState(Failed)
		return &SubscriptionError{EventURL: sub.EventURL, StatusCode: resp.StatusCode, Status: resp.Status, Err: errors.New("no SID in response")}
	}
	timeout := ParseTimeout(resp.Header.Get("TIMEOUT"))

	sub.mu.Lock()
	sub.sid = sid
	sub.timeout = timeout
	sub.errorCount = 0
	sub.state = Subscribed
	sub.stopped = false
	sub.mu.Unlock()

	m.log.Debug("upnp subscription established",
		zap.String("service", sub.Service),
		zap.String("event_url", sub.EventURL),
		zap.String("sid", sid),
		zap.Int("timeout", timeout))
	m.schedule(sub)
	return nil
}

// Renew refreshes an existing subscription using its SID. Failures increment
// the consecutive error count.
func (m *Manager) Renew(ctx context.Context, sub *Subscription) error {
	sub.mu.Lock()
	sid := sub.sid
	timeout := sub.timeout
	sub.state = Renewing
	sub.mu.Unlock()

	fail := func(err *SubscriptionError) error {
		sub.mu.Lock()
		sub.errorCount++
		sub.state = Failed
		sub.mu.Unlock()
		return err
	}

	req, err := http.NewRequestWithContext(ctx, "SUBSCRIBE", sub.EventURL, nil)
	if err != nil {
		return fail(&SubscriptionError{EventURL: sub.EventURL, Err: err})
	}
	req.Header.Set("SID", sid)
	req.Header.Set("TIMEOUT", fmt.Sprintf("Second-%d", timeout))

	resp, err := m.http.Do(req)
	if err != nil {
		return fail(&SubscriptionError{EventURL: sub.EventURL, Err: err})
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fail(&SubscriptionError{EventURL: sub.EventURL, StatusCode: resp.StatusCode, Status: resp.Status})
	}

	sub.mu.Lock()
	if next := resp.Header.Get("SID"); next != "" && next != sub.sid {
		m.log.Info("upnp subscription reissued", zap.String("event_url", sub.EventURL), zap.String("old_sid", sub.sid), zap.String("sid", next))
		sub.sid = next
	}
	if header := resp.Header.Get("TIMEOUT"); header != "" {
		sub.timeout = ParseTimeout(header)
	}
	sub.errorCount = 0
	sub.state = Subscribed
	sub.mu.Unlock()
	return nil
}

// Unsubscribe stops renewals and sends a best-effort UNSUBSCRIBE.
func (m *Manager) Unsubscribe(ctx context.Context, sub *Subscription) error {
	sub.Stop()
	sid := sub.SID()
	sub.setState(Unsubscribed)
	if sid == "" {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, "UNSUBSCRIBE", sub.EventURL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("SID", sid)
	resp, err := m.http.Do(req)
	if err != nil {
		return nil
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPreconditionFailed {
		return &SubscriptionError{EventURL: sub.EventURL, StatusCode: resp.StatusCode, Status: resp.Status}
	}
	return nil
}

func (m *Manager) schedule(sub *Subscription) {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if sub.stopped {
		return
	}
	if sub.timer != nil {
		sub.timer.Stop()
	}
	sub.timer = m.afterFunc(RenewalInterval(sub.timeout), func() {
		m.renewTick(sub)
	})
}

func (m *Manager) renewTick(sub *Subscription) {
	ctx, cancel := context.WithTimeout(context.Background(), m.renewTimeout)
	defer cancel()
	if err := m.Renew(ctx, sub); err != nil {
		m.log.Warn("upnp subscription renew failed",
			zap.String("service", sub.Service),
			zap.String("event_url", sub.EventURL),
			zap.Int("error_count", sub.ErrorCount()),
			zap.Error(err))
	}
	m.schedule(sub)
}
