// Package ssdp finds media renderers with SSDP M-SEARCH.
package ssdp

import (
	"context"
	"net"
	"net/url"
	"time"

	"github.com/koron/go-ssdp"
	"go.uber.org/zap"

	"github.com/mikey-austin/upnp_bridge/internal/registry"
)

// AVTransportType is the default search target: anything that can be told
// what to play.
const AVTransportType = "urn:schemas-upnp-org:service:AVTransport:1"

// SearchFunc matches ssdp.Search.
type SearchFunc func(searchType string, waitSec int, localAddr string) ([]ssdp.Service, error)

// Options configures a Searcher.
type Options struct {
	SearchTarget string
	Wait         time.Duration
	LocalAddr    string
	Logger       *zap.Logger
	Search       SearchFunc
}

// Searcher runs M-SEARCH rounds.
type Searcher struct {
	log    *zap.Logger
	target string
	wait   int
	local  string
	search SearchFunc
}

// NewSearcher builds a Searcher with defaults for empty options.
func NewSearcher(opts Options) *Searcher {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.SearchTarget == "" {
		opts.SearchTarget = AVTransportType
	}
	if opts.Search == nil {
		opts.Search = func(st string, waitSec int, localAddr string) ([]ssdp.Service, error) {
			return ssdp.Search(st, waitSec, localAddr)
		}
	}
	wait := int(opts.Wait / time.Second)
	if wait < 1 {
		wait = 2
	}
	return &Searcher{
		log:    opts.Logger,
		target: opts.SearchTarget,
		wait:   wait,
		local:  opts.LocalAddr,
		search: opts.Search,
	}
}

type searchResult struct {
	services []ssdp.Service
	err      error
}

// Search blocks for the wait window and returns one Discovery per
// response. Only successful responses are returned by ssdp.Search.
func (s *Searcher) Search(ctx context.Context) ([]registry.Discovery, error) {
	done := make(chan searchResult, 1)
	go func() {
		services, err := s.search(s.target, s.wait, s.local)
		done <- searchResult{services: services, err: err}
	}()

	var res searchResult
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res = <-done:
	}
	if res.err != nil {
		return nil, res.err
	}

	out := make([]registry.Discovery, 0, len(res.services))
	for _, svc := range res.services {
		if svc.USN == "" || svc.Location == "" {
			s.log.Debug("ssdp response missing usn or location", zap.String("usn", svc.USN), zap.String("location", svc.Location))
			continue
		}
		out = append(out, registry.Discovery{
			USN:        svc.USN,
			Location:   svc.Location,
			ST:         svc.Type,
			Server:     svc.Server,
			StatusCode: 200,
			Addr:       locationHost(svc.Location),
		})
	}
	s.log.Debug("ssdp search", zap.String("st", s.target), zap.Int("responses", len(out)))
	return out, nil
}

// locationHost approximates the responder address from its description URL.
func locationHost(location string) string {
	u, err := url.Parse(location)
	if err != nil {
		return ""
	}
	host := u.Hostname()
	if ip := net.ParseIP(host); ip != nil {
		return ip.String()
	}
	return host
}
