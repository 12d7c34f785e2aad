// Package registry tracks discovered renderers and routes events and
// commands to them.
package registry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mikey-austin/upnp_bridge/internal/renderer"
	"github.com/mikey-austin/upnp_bridge/internal/upnp/gena"
	"github.com/mikey-austin/upnp_bridge/internal/upnp/soap"
	"github.com/mikey-austin/upnp_bridge/pkg/upnpbus"
)

// Discovery is one SSDP answer.
type Discovery struct {
	USN        string
	Location   string
	ST         string
	Server     string
	StatusCode int
	// Addr is the IP address the answer came from.
	Addr string
}

// Options configures a registry.
type Options struct {
	Aliases   map[string]string
	Device    renderer.Config
	Callback  CallbackConfig
	HTTP      *http.Client
	Publisher renderer.Publisher
	// Now defaults to time.Now.
	Now func() time.Time
}

// Registry maps device identifiers to renderers.
type Registry struct {
	log      *zap.Logger
	aliases  map[string]string
	config   renderer.Config
	callback *callbackResolver
	http     *http.Client
	soap     *soap.Client
	gena     *gena.Manager
	pub      renderer.Publisher
	now      func() time.Time

	mu      sync.RWMutex
	devices map[string]*renderer.Device

	// pending tracks connects started by Discover.
	pending sync.WaitGroup
}

// New creates an empty registry.
func New(log *zap.Logger, opts Options) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	httpClient := opts.HTTP
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout:   5 * time.Second,
			Transport: &http.Transport{DisableKeepAlives: true},
		}
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	aliases := map[string]string{}
	for usn, alias := range opts.Aliases {
		aliases[StripUSN(usn)] = alias
	}
	return &Registry{
		log:      log,
		aliases:  aliases,
		config:   opts.Device,
		callback: newCallbackResolver(opts.Callback),
		http:     httpClient,
		soap:     soap.NewClientWithHTTP(log, httpClient),
		gena:     gena.NewManager(log, httpClient),
		pub:      opts.Publisher,
		now:      now,
		devices:  map[string]*renderer.Device{},
	}
}

var usnSuffixRe = regexp.MustCompile(`^(.*?)::.*$`)

// StripUSN removes a "::<service type>" suffix from a USN.
func StripUSN(usn string) string {
	usn = strings.TrimSpace(usn)
	if m := usnSuffixRe.FindStringSubmatch(usn); m != nil {
		return m[1]
	}
	return usn
}

// HandleDiscovery creates or refreshes the device behind a discovery answer.
// ctx bounds the lifetime of the device's poll loops.
func (r *Registry) HandleDiscovery(ctx context.Context, d Discovery) error {
	usn := StripUSN(d.USN)
	if usn == "" {
		return nil
	}
	r.mu.Lock()
	dev, ok := r.devices[usn]
	if !ok {
		if d.StatusCode != http.StatusOK {
			r.mu.Unlock()
			r.log.Debug("upnp discovery ignored", zap.String("usn", usn), zap.Int("status", d.StatusCode))
			return nil
		}
		alias := r.aliases[usn]
		if alias == "" {
			alias = usn
		}
		dev = renderer.NewDevice(r.log, renderer.Options{
			USN:         usn,
			Alias:       alias,
			Location:    d.Location,
			Address:     d.Addr,
			CallbackURL: r.CallbackURL(d.Addr),
			Config:      r.config,
			HTTP:        r.http,
			SOAP:        r.soap,
			GENA:        r.gena,
			Publisher:   r.pub,
		})
		r.devices[usn] = dev
		r.mu.Unlock()
		r.log.Info("upnp renderer discovered",
			zap.String("usn", usn),
			zap.String("alias", alias),
			zap.String("location", d.Location),
			zap.String("address", d.Addr))
		dev.Ping(r.now())
		return dev.Connect(ctx)
	}
	r.mu.Unlock()

	dev.Ping(r.now())
	if d.StatusCode != http.StatusOK || dev.State() != renderer.Disconnected {
		return nil
	}
	dev.Update(d.Location, r.CallbackURL(d.Addr))
	return dev.Connect(ctx)
}

// Discover handles d on its own goroutine so a slow or unresponsive renderer
// never holds up the others. Failures are logged; the device is retried on
// its next answer.
func (r *Registry) Discover(ctx context.Context, d Discovery) {
	r.pending.Add(1)
	go func() {
		defer r.pending.Done()
		if err := r.HandleDiscovery(ctx, d); err != nil {
			r.log.Warn("upnp renderer connect failed",
				zap.String("usn", d.USN),
				zap.String("location", d.Location),
				zap.Error(err))
		}
	}()
}

// Wait blocks until every connect started by Discover has returned.
func (r *Registry) Wait() {
	r.pending.Wait()
}

// Device returns a device by USN.
func (r *Registry) Device(usn string) (*renderer.Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	dev, ok := r.devices[StripUSN(usn)]
	return dev, ok
}

// Devices returns every known device ordered by alias.
func (r *Registry) Devices() []*renderer.Device {
	r.mu.RLock()
	out := make([]*renderer.Device, 0, len(r.devices))
	for _, dev := range r.devices {
		out = append(out, dev)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Alias() < out[j].Alias() })
	return out
}

func (r *Registry) lookupSID(sid string) (*renderer.Device, string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, dev := range r.devices {
		if name, ok := dev.ServiceForSID(sid); ok {
			return dev, name, true
		}
	}
	return nil, "", false
}

// ServeHTTP accepts GENA NOTIFY requests and routes them by SID. The answer
// is always 200.
func (r *Registry) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	body, err := io.ReadAll(req.Body)
	if err != nil {
		r.log.Warn("upnp event read failed", zap.Error(err))
	}
	nt := req.Header.Get("NT")
	sid := req.Header.Get("SID")
	if nt == "upnp:event" && sid != "" && err == nil {
		if dev, name, ok := r.lookupSID(sid); ok {
			if herr := dev.HandleEvent(req.Context(), name, body); herr != nil {
				r.log.Warn("upnp event failed", zap.String("device", dev.Alias()), zap.String("service", name), zap.Error(herr))
			}
		} else {
			r.log.Debug("upnp event for unknown subscription", zap.String("sid", sid))
		}
	}
	w.WriteHeader(http.StatusOK)
}

var targetInstanceRe = regexp.MustCompile(`^(.*)/(\d+)$`)

// ParseTarget splits "<alias-pattern>[/<instance>]".
func ParseTarget(target string) (string, int) {
	target = strings.TrimSpace(target)
	if m := targetInstanceRe.FindStringSubmatch(target); m != nil {
		if n, err := strconv.Atoi(m[2]); err == nil {
			return m[1], n
		}
	}
	return target, 0
}

func globRegexp(pattern string) *regexp.Regexp {
	quoted := regexp.QuoteMeta(pattern)
	quoted = strings.ReplaceAll(quoted, `\*`, `.*`)
	return regexp.MustCompile(`(?i)^` + quoted + `$`)
}

// HandleCommand runs cmd on every device whose alias matches its target.
// Commands of other kinds are ignored.
func (r *Registry) HandleCommand(ctx context.Context, cmd upnpbus.Command) error {
	if cmd.Kind != "" && cmd.Kind != upnpbus.KindAudio {
		r.log.Debug("upnp command kind ignored", zap.String("kind", cmd.Kind))
		return nil
	}
	pattern, instanceID := ParseTarget(cmd.Device)
	re := globRegexp(pattern)
	var matched []*renderer.Device
	for _, dev := range r.Devices() {
		if re.MatchString(dev.Alias()) {
			matched = append(matched, dev)
		}
	}
	if len(matched) == 0 {
		return fmt.Errorf("no device matches %q", pattern)
	}
	var errs []error
	for _, dev := range matched {
		if err := dev.HandleCommand(ctx, instanceID, cmd); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", dev.Alias(), err))
		}
	}
	return errors.Join(errs...)
}

// Close waits for pending connects, then tears down every device. Callers
// cancel the context given to Discover first.
func (r *Registry) Close(ctx context.Context) {
	r.pending.Wait()
	for _, dev := range r.Devices() {
		dev.Close(ctx)
	}
}
