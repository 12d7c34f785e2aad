// Package renderer keeps one UPnP media renderer in sync with the bus: it
// connects to the device, subscribes to its services, polls state, publishes
// property changes and executes commands.
package renderer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mikey-austin/upnp_bridge/internal/upnp/gena"
	"github.com/mikey-austin/upnp_bridge/internal/upnp/soap"
	"github.com/mikey-austin/upnp_bridge/internal/upnp/xmlpath"
	"github.com/mikey-austin/upnp_bridge/pkg/upnpbus"
)

// Service type URNs matched exactly in device descriptions.
const (
	AVTransportURN       = "urn:schemas-upnp-org:service:AVTransport:1"
	RenderingControlURN  = "urn:schemas-upnp-org:service:RenderingControl:1"
	ConnectionManagerURN = "urn:schemas-upnp-org:service:ConnectionManager:1"
)

// Service names.
const (
	AVTransport       = "AVTransport"
	RenderingControl  = "RenderingControl"
	ConnectionManager = "ConnectionManager"
)

// DefaultChannel is the RenderingControl channel used when none is given.
const DefaultChannel = "Master"

// DefaultAVTransportPoll is the AVTransport poll interval used by callers
// that do not configure one.
const DefaultAVTransportPoll = time.Second

// State is the connection state of a device.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Config holds per-device polling settings. A zero interval disables a loop.
type Config struct {
	AVTransportPoll     time.Duration
	FullAVTransportPoll bool
	RenderingPoll       time.Duration
	ConnectionPoll      time.Duration
}

// Options are the collaborators and identity of a device.
type Options struct {
	USN         string
	Alias       string
	Location    string
	Address     string
	CallbackURL string
	Config      Config

	HTTP      *http.Client
	SOAP      *soap.Client
	GENA      *gena.Manager
	Publisher Publisher
}

type service struct {
	name        string
	serviceType string
	kind        string
	controlURL  string
	eventURL    string
	sub         *gena.Subscription
}

// Device is one discovered renderer.
type Device struct {
	log     *zap.Logger
	usn     string
	alias   string
	address string
	config  Config

	http    *http.Client
	soap    *soap.Client
	gena    *gena.Manager
	tracker *Tracker

	mu           sync.Mutex
	location     string
	callbackURL  string
	state        State
	friendlyName string
	services     map[string]*service
	volumes      map[string]string
	lastPing     time.Time
	cancel       context.CancelFunc
	loops        sync.WaitGroup
}

// NewDevice creates a disconnected device.
func NewDevice(log *zap.Logger, opts Options) *Device {
	if log == nil {
		log = zap.NewNop()
	}
	alias := opts.Alias
	if alias == "" {
		alias = opts.USN
	}
	log = log.With(zap.String("device", alias))
	httpClient := opts.HTTP
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 5 * time.Second}
	}
	soapClient := opts.SOAP
	if soapClient == nil {
		soapClient = soap.NewClientWithHTTP(log, httpClient)
	}
	genaManager := opts.GENA
	if genaManager == nil {
		genaManager = gena.NewManager(log, httpClient)
	}
	return &Device{
		log:         log,
		usn:         opts.USN,
		alias:       alias,
		address:     opts.Address,
		config:      opts.Config,
		http:        httpClient,
		soap:        soapClient,
		gena:        genaManager,
		tracker:     NewTracker(log, opts.Publisher, alias),
		location:    opts.Location,
		callbackURL: opts.CallbackURL,
		services:    map[string]*service{},
		volumes:     map[string]string{},
	}
}

// USN returns the stable device identifier.
func (d *Device) USN() string { return d.usn }

// Alias returns the name used on the bus.
func (d *Device) Alias() string { return d.alias }

// Address returns the network address the device was discovered from.
func (d *Device) Address() string { return d.address }

// State returns the connection state.
func (d *Device) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// FriendlyName returns the name from the device description, once connected.
func (d *Device) FriendlyName() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.friendlyName
}

// Ping records that the device answered discovery.
func (d *Device) Ping(now time.Time) {
	d.mu.Lock()
	d.lastPing = now
	d.mu.Unlock()
}

// LastPing returns the last discovery answer time.
func (d *Device) LastPing() time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastPing
}

// Update refreshes the location and callback URL used by the next Connect.
func (d *Device) Update(location string, callbackURL string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if location != "" {
		d.location = location
	}
	if callbackURL != "" {
		d.callbackURL = callbackURL
	}
}

// ControlURL returns the resolved control URL of a service.
func (d *Device) ControlURL(name string) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	svc, ok := d.services[name]
	if !ok {
		return "", false
	}
	return svc.controlURL, true
}

// ServiceForSID returns the service whose subscription carries sid.
func (d *Device) ServiceForSID(sid string) (string, bool) {
	if sid == "" {
		return "", false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for name, svc := range d.services {
		if svc.sub != nil && svc.sub.SID() == sid {
			return name, true
		}
	}
	return "", false
}

// Subscription returns the event subscription of a service.
func (d *Device) Subscription(name string) *gena.Subscription {
	d.mu.Lock()
	defer d.mu.Unlock()
	if svc, ok := d.services[name]; ok {
		return svc.sub
	}
	return nil
}

// Connect fetches the device description, subscribes to each service and
// starts the poll loops. Loops live until ctx is done or Close is called. A
// connected or connecting device is left alone; a failed attempt returns the
// device to Disconnected so the next discovery answer retries.
func (d *Device) Connect(ctx context.Context) error {
	d.mu.Lock()
	if d.state != Disconnected {
		d.mu.Unlock()
		return nil
	}
	d.state = Connecting
	location := d.location
	callbackURL := d.callbackURL
	d.mu.Unlock()

	desc, err := d.describe(ctx, location)
	if err != nil {
		d.log.Warn("upnp renderer connect failed", zap.String("location", location), zap.Error(err))
		d.setState(Disconnected)
		return err
	}

	d.mu.Lock()
	d.friendlyName = desc.friendlyName
	d.services = desc.services
	d.mu.Unlock()
	d.log.Info("upnp renderer described",
		zap.String("name", desc.friendlyName),
		zap.String("location", location),
		zap.Strings("services", desc.names()))

	for _, name := range []string{AVTransport, RenderingControl, ConnectionManager} {
		svc, ok := desc.services[name]
		if !ok || svc.eventURL == "" {
			continue
		}
		if callbackURL == "" {
			d.log.Debug("upnp renderer has no callback url", zap.String("service", name))
			continue
		}
		sub := gena.NewSubscription(name, svc.eventURL, callbackURL)
		d.mu.Lock()
		svc.sub = sub
		d.mu.Unlock()
		if err := d.gena.Subscribe(ctx, sub); err != nil {
			d.log.Warn("upnp renderer subscribe failed", zap.String("service", name), zap.Error(err))
		}
	}

	loopCtx, cancel := context.WithCancel(ctx)
	d.mu.Lock()
	d.cancel = cancel
	d.state = Connected
	d.mu.Unlock()

	d.refresh(loopCtx)
	d.installPolling(loopCtx)
	return nil
}

// Close stops the poll loops and renewal timers and unsubscribes.
func (d *Device) Close(ctx context.Context) {
	d.mu.Lock()
	cancel := d.cancel
	d.cancel = nil
	var subs []*gena.Subscription
	for _, svc := range d.services {
		if svc.sub != nil {
			subs = append(subs, svc.sub)
		}
	}
	d.state = Disconnected
	d.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	d.loops.Wait()
	for _, sub := range subs {
		if err := d.gena.Unsubscribe(ctx, sub); err != nil {
			d.log.Debug("upnp renderer unsubscribe failed", zap.String("service", sub.Service), zap.Error(err))
		}
	}
}

func (d *Device) setState(state State) {
	d.mu.Lock()
	d.state = state
	d.mu.Unlock()
}

type description struct {
	friendlyName string
	services     map[string]*service
}

func (desc description) names() []string {
	var out []string
	for _, name := range []string{AVTransport, RenderingControl, ConnectionManager} {
		if _, ok := desc.services[name]; ok {
			out = append(out, name)
		}
	}
	return out
}

var knownServices = map[string]struct {
	name string
	kind string
}{
	AVTransportURN:       {AVTransport, upnpbus.KindAVTransport},
	RenderingControlURN:  {RenderingControl, upnpbus.KindRenderingControl},
	ConnectionManagerURN: {ConnectionManager, upnpbus.KindConnectionManager},
}

func (d *Device) describe(ctx context.Context, location string) (description, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, location, nil)
	if err != nil {
		return description{}, err
	}
	resp, err := d.http.Do(req)
	if err != nil {
		return description{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return description{}, fmt.Errorf("describe renderer: %s", resp.Status)
	}
	mediaType, _, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil || mediaType != "text/xml" {
		return description{}, fmt.Errorf("describe renderer: unexpected content type %q", resp.Header.Get("Content-Type"))
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return description{}, err
	}
	root, err := xmlpath.Parse(body)
	if err != nil {
		return description{}, fmt.Errorf("describe renderer: %w", err)
	}
	return parseDescription(root, location)
}

func parseDescription(root *xmlpath.Node, location string) (description, error) {
	base := location
	if urlBase, ok := xmlpath.Resolve(root, "URLBase"); ok && strings.TrimSpace(urlBase) != "" {
		base = strings.TrimSpace(urlBase)
	}
	dev, ok := xmlpath.Find(root, "device")
	if !ok {
		return description{}, errors.New("describe renderer: no device element")
	}
	desc := description{services: map[string]*service{}}
	desc.friendlyName, _ = xmlpath.Resolve(dev, "friendlyName")
	desc.friendlyName = strings.TrimSpace(desc.friendlyName)
	collectServices(dev, base, desc.services)
	return desc, nil
}

// collectServices walks a device and its embedded devices. The first entry
// for a service type wins.
func collectServices(dev *xmlpath.Node, base string, out map[string]*service) {
	if list, ok := xmlpath.Find(dev, "serviceList"); ok {
		for _, node := range list.ChildrenNamed("service") {
			serviceType, _ := xmlpath.Resolve(node, "serviceType")
			known, ok := knownServices[strings.TrimSpace(serviceType)]
			if !ok {
				continue
			}
			if _, dup := out[known.name]; dup {
				continue
			}
			controlURL, _ := xmlpath.Resolve(node, "controlURL")
			if strings.TrimSpace(controlURL) == "" {
				continue
			}
			eventURL, _ := xmlpath.Resolve(node, "eventSubURL")
			svc := &service{
				name:        known.name,
				serviceType: strings.TrimSpace(serviceType),
				kind:        known.kind,
				controlURL:  resolveURL(base, strings.TrimSpace(controlURL)),
			}
			if ev := strings.TrimSpace(eventURL); ev != "" {
				svc.eventURL = resolveURL(base, ev)
			}
			out[known.name] = svc
		}
	}
	if list, ok := xmlpath.Find(dev, "deviceList"); ok {
		for _, child := range list.ChildrenNamed("device") {
			collectServices(child, base, out)
		}
	}
}

func resolveURL(baseURL string, ref string) string {
	base, err := url.Parse(baseURL)
	if err != nil {
		return ref
	}
	rel, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return base.ResolveReference(rel).String()
}
