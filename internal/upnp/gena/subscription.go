// Package gena manages UPnP event subscriptions (SUBSCRIBE, renewal and
// UNSUBSCRIBE) for renderer services.
package gena

import (
	"fmt"
	"regexp"
	"strconv"
	"sync"
	"time"
)

// DefaultTimeout is the subscription duration requested from devices, in seconds.
const DefaultTimeout = 1800

const (
	renewMargin  = 5
	renewMinimum = 10
)

// State is the lifecycle state of a subscription.
type State int

const (
	Unsubscribed State = iota
	Subscribing
	Subscribed
	Renewing
	Failed
)

func (s State) String() string {
	switch s {
	case Unsubscribed:
		return "unsubscribed"
	case Subscribing:
		return "subscribing"
	case Subscribed:
		return "subscribed"
	case Renewing:
		return "renewing"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// RenewalInterval returns how long to wait before renewing a subscription
// granted for timeoutSeconds.
func RenewalInterval(timeoutSeconds int) time.Duration {
	sec := timeoutSeconds - renewMargin
	if sec < renewMinimum {
		sec = renewMinimum
	}
	return time.Duration(sec) * time.Second
}

var timeoutRe = regexp.MustCompile(`(?i)Second-(\d+)`)

// ParseTimeout reads a "Second-<n>" TIMEOUT header, falling back to
// DefaultTimeout.
func ParseTimeout(header string) int {
	m := timeoutRe.FindStringSubmatch(header)
	if m == nil {
		return DefaultTimeout
	}
	n, err := strconv.Atoi(m[1])
	if err != nil || n <= 0 {
		return DefaultTimeout
	}
	return n
}

// Subscription is one event subscription for a device service.
type Subscription struct {
	Service     string
	EventURL    string
	CallbackURL string

	mu         sync.Mutex
	sid        string
	timeout    int
	errorCount int
	state      State
	timer      Timer
	stopped    bool
}

// NewSubscription creates an unsubscribed record for a service event URL.
func NewSubscription(service string, eventURL string, callbackURL string) *Subscription {
	return &Subscription{
		Service:     service,
		EventURL:    eventURL,
		CallbackURL: callbackURL,
		timeout:     DefaultTimeout,
	}
}

// SID returns the subscription identifier issued by the device.
func (s *Subscription) SID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sid
}

// Timeout returns the granted timeout in seconds.
func (s *Subscription) Timeout() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timeout
}

// ErrorCount returns the number of consecutive renewal failures.
func (s *Subscription) ErrorCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errorCount
}

// State returns the lifecycle state.
func (s *Subscription) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Stop cancels the renewal timer. It is safe to call more than once.
func (s *Subscription) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

func (s *Subscription) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// SubscriptionError is returned when a SUBSCRIBE or renewal is rejected or
// cannot be delivered. StatusCode is 0 for transport failures.
type SubscriptionError struct {
	EventURL   string
	StatusCode int
	Status     string
	Err        error
}

func (e *SubscriptionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("subscribe %s: %v", e.EventURL, e.Err)
	}
	return fmt.Sprintf("subscribe %s failed: %s", e.EventURL, e.Status)
}

func (e *SubscriptionError) Unwrap() error {
	return e.Err
}
