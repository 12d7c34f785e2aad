// Package bridge wires discovery, the event callback server and the bus
// around a device registry.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/mikey-austin/upnp_bridge/internal/adapters/bus"
	"github.com/mikey-austin/upnp_bridge/internal/registry"
	"github.com/mikey-austin/upnp_bridge/internal/renderer"
	"github.com/mikey-austin/upnp_bridge/pkg/upnpbus"
)

// MethodNotify is the GENA event delivery method.
const MethodNotify = "NOTIFY"

func init() {
	chi.RegisterMethod(MethodNotify)
}

// Config configures the bridge module.
type Config struct {
	CallbackListen    string
	CallbackHost      string
	DiscoveryInterval time.Duration
	SOAPTimeout       time.Duration
	Device            renderer.Config
	Aliases           map[string]string
}

// BusClient is the part of the bus the bridge needs.
type BusClient interface {
	renderer.Publisher
	SubscribeCommands(ctx context.Context, kind string, handler bus.CommandHandler) error
	UnsubscribeCommands(ctx context.Context, kind string) error
}

// Searcher finds devices on the network.
type Searcher interface {
	Search(ctx context.Context) ([]registry.Discovery, error)
}

// Module runs the bridge.
type Module struct {
	log      *zap.Logger
	bus      BusClient
	search   Searcher
	registry *registry.Registry
	config   Config
	ready    chan struct{}
	addr     net.Addr
}

// NewModule creates a bridge module.
func NewModule(log *zap.Logger, client BusClient, search Searcher, cfg Config) (*Module, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if client == nil {
		return nil, errors.New("bus client required")
	}
	if search == nil {
		return nil, errors.New("searcher required")
	}
	if strings.TrimSpace(cfg.CallbackListen) == "" {
		cfg.CallbackListen = ":0"
	}
	if cfg.DiscoveryInterval <= 0 {
		cfg.DiscoveryInterval = 5 * time.Second
	}
	httpClient := &http.Client{
		Timeout: cfg.SOAPTimeout,
		Transport: &http.Transport{
			DisableKeepAlives: true,
		},
	}
	reg := registry.New(log, registry.Options{
		Aliases:   cfg.Aliases,
		Device:    cfg.Device,
		Callback:  registry.CallbackConfig{Host: cfg.CallbackHost, Path: "/"},
		HTTP:      httpClient,
		Publisher: client,
	})
	return &Module{
		log:      log,
		bus:      client,
		search:   search,
		registry: reg,
		config:   cfg,
		ready:    make(chan struct{}),
	}, nil
}

// Registry exposes the device registry.
func (m *Module) Registry() *registry.Registry {
	return m.registry
}

// Ready is closed once the callback server is bound and commands are
// subscribed.
func (m *Module) Ready() <-chan struct{} {
	return m.ready
}

// CallbackAddr is the bound callback address, valid after Ready.
func (m *Module) CallbackAddr() net.Addr {
	return m.addr
}

// Router serves GENA events and a device listing.
func (m *Module) Router() http.Handler {
	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	router.Use(m.requestLogger)
	router.Method(MethodNotify, "/*", m.registry)
	router.Get("/devices", m.listDevices)
	return router
}

// DeviceInfo is one entry of the device listing.
type DeviceInfo struct {
	USN          string    `json:"usn"`
	Alias        string    `json:"alias"`
	FriendlyName string    `json:"friendlyName,omitempty"`
	Address      string    `json:"address,omitempty"`
	State        string    `json:"state"`
	LastPing     time.Time `json:"lastPing"`
}

func (m *Module) listDevices(w http.ResponseWriter, _ *http.Request) {
	devices := m.registry.Devices()
	out := make([]DeviceInfo, 0, len(devices))
	for _, dev := range devices {
		out = append(out, DeviceInfo{
			USN:          dev.USN(),
			Alias:        dev.Alias(),
			FriendlyName: dev.FriendlyName(),
			Address:      dev.Address(),
			State:        dev.State().String(),
			LastPing:     dev.LastPing(),
		})
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(out)
}

func (m *Module) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		m.log.Debug("callback request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("remote", r.RemoteAddr),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)))
	})
}

// Run binds the callback server, subscribes to commands and searches for
// devices until ctx is cancelled.
func (m *Module) Run(ctx context.Context) error {
	ctx, stop := context.WithCancel(ctx)
	defer stop()

	ln, err := net.Listen("tcp", m.config.CallbackListen)
	if err != nil {
		return fmt.Errorf("callback listen %s: %w", m.config.CallbackListen, err)
	}
	m.addr = ln.Addr()
	if tcp, ok := ln.Addr().(*net.TCPAddr); ok {
		m.registry.SetCallbackPort(tcp.Port)
	}

	server := &http.Server{Handler: m.Router(), ReadHeaderTimeout: 10 * time.Second}
	serveErr := make(chan error, 1)
	go func() {
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()
	m.log.Info("callback server listening", zap.String("addr", ln.Addr().String()))

	if err := m.bus.SubscribeCommands(ctx, upnpbus.KindAudio, m.handleCommand); err != nil {
		_ = server.Close()
		return fmt.Errorf("subscribe commands: %w", err)
	}
	close(m.ready)

	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		m.discoveryLoop(ctx)
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-serveErr:
	}

	stop()
	<-loopDone
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.bus.UnsubscribeCommands(shutdownCtx, upnpbus.KindAudio); err != nil {
		m.log.Debug("command unsubscribe failed", zap.Error(err))
	}
	m.registry.Close(shutdownCtx)
	if err := server.Shutdown(shutdownCtx); err != nil {
		m.log.Warn("callback server shutdown", zap.Error(err))
	}
	return runErr
}

func (m *Module) handleCommand(ctx context.Context, cmd upnpbus.Command) {
	if err := m.registry.HandleCommand(ctx, cmd); err != nil {
		m.log.Error("upnp command failed",
			zap.String("device", cmd.Device),
			zap.String("command", cmd.Command),
			zap.Error(err))
	}
}

func (m *Module) discoveryLoop(ctx context.Context) {
	m.discover(ctx)
	ticker := time.NewTicker(m.config.DiscoveryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.discover(ctx)
		}
	}
}

func (m *Module) discover(ctx context.Context) {
	results, err := m.search.Search(ctx)
	if err != nil {
		if ctx.Err() == nil {
			m.log.Debug("upnp search failed", zap.Error(err))
		}
		return
	}
	for _, d := range results {
		if ctx.Err() != nil {
			return
		}
		m.registry.Discover(ctx, d)
	}
}
