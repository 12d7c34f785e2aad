package renderer

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/mikey-austin/upnp_bridge/internal/upnp/didl"
	"github.com/mikey-austin/upnp_bridge/internal/upnp/soap"
	"github.com/mikey-austin/upnp_bridge/internal/upnp/xmlpath"
)

func (d *Device) invoke(ctx context.Context, serviceName string, action string, instanceID int, body string) (*xmlpath.Node, error) {
	svc, err := d.service(serviceName, action)
	if err != nil {
		return nil, err
	}
	return d.soap.Invoke(ctx, svc.controlURL, svc.serviceType, action, instanceID, body)
}

// Stop stops playback.
func (d *Device) Stop(ctx context.Context, instanceID int) error {
	_, err := d.invoke(ctx, AVTransport, "Stop", instanceID, "")
	return err
}

// Pause pauses playback.
func (d *Device) Pause(ctx context.Context, instanceID int) error {
	_, err := d.invoke(ctx, AVTransport, "Pause", instanceID, "")
	return err
}

// Play starts playback at speed, "1" when empty.
func (d *Device) Play(ctx context.Context, instanceID int, speed string) error {
	if strings.TrimSpace(speed) == "" {
		speed = "1"
	}
	_, err := d.invoke(ctx, AVTransport, "Play", instanceID, soap.Arg("Speed", speed))
	return err
}

// SetVolume sets the volume of a RenderingControl channel.
func (d *Device) SetVolume(ctx context.Context, instanceID int, channel string, volume int) error {
	if channel == "" {
		channel = DefaultChannel
	}
	body := soap.Arg("Channel", channel) + soap.Arg("DesiredVolume", strconv.Itoa(volume))
	_, err := d.invoke(ctx, RenderingControl, "SetVolume", instanceID, body)
	return err
}

// GetVolume reads the volume of a channel from the device.
func (d *Device) GetVolume(ctx context.Context, instanceID int, channel string) (int, error) {
	if channel == "" {
		channel = DefaultChannel
	}
	resp, err := d.invoke(ctx, RenderingControl, "GetVolume", instanceID, soap.Arg("Channel", channel))
	if err != nil {
		return 0, err
	}
	value, ok := xmlpath.Resolve(resp, "CurrentVolume")
	if !ok {
		return 0, errors.New("GetVolume response has no CurrentVolume")
	}
	volume, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return 0, err
	}
	d.setVolume(channel, strconv.Itoa(volume))
	return volume, nil
}

// SetAVTransportURI sets the current media and its DIDL-Lite metadata.
func (d *Device) SetAVTransportURI(ctx context.Context, instanceID int, uri string, metadata string) error {
	body := soap.Arg("CurrentURI", uri) + soap.Arg("CurrentURIMetaData", metadata)
	_, err := d.invoke(ctx, AVTransport, "SetAVTransportURI", instanceID, body)
	return err
}

// ConnectionInfo is the result of PrepareForConnection.
type ConnectionInfo struct {
	ConnectionID  int
	AVTransportID int
	RcsID         int
}

// PrepareForConnection asks the ConnectionManager for a connection able to
// play remoteProtocolInfo.
func (d *Device) PrepareForConnection(ctx context.Context, remoteProtocolInfo string) (ConnectionInfo, error) {
	body := soap.Arg("RemoteProtocolInfo", remoteProtocolInfo) +
		soap.Arg("PeerConnectionManager", "") +
		soap.Arg("PeerConnectionID", "-1") +
		soap.Arg("Direction", "Input")
	resp, err := d.invoke(ctx, ConnectionManager, "PrepareForConnection", soap.NoInstance, body)
	if err != nil {
		return ConnectionInfo{}, err
	}
	info := ConnectionInfo{}
	info.ConnectionID = intField(resp, "ConnectionID")
	info.AVTransportID = intField(resp, "AVTransportID")
	info.RcsID = intField(resp, "RcsID")
	return info, nil
}

func intField(node *xmlpath.Node, name string) int {
	value, ok := xmlpath.Resolve(node, name)
	if !ok {
		return 0
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// QueryStateVariable reads a state variable of a service.
func (d *Device) QueryStateVariable(ctx context.Context, serviceName string, varName string) (string, error) {
	svc, err := d.service(serviceName, "QueryStateVariable")
	if err != nil {
		return "", err
	}
	return d.soap.QueryStateVariable(ctx, svc.controlURL, varName)
}

// LoadRequest describes media to load on a renderer.
type LoadRequest struct {
	URL string
	// Metadata is sent as is when set; otherwise it is built from the fields below.
	Metadata     string
	Title        string
	Creator      string
	ContentType  string
	SubtitleURL  string
	SubtitleType string
	Autoplay     bool
}

// Load prepares a connection, sets the transport URI and optionally plays.
// It returns the AVTransport instance used.
func (d *Device) Load(ctx context.Context, req LoadRequest) (int, error) {
	contentType := strings.TrimSpace(req.ContentType)
	if contentType == "" {
		contentType = didl.DefaultContentType
	}
	metadata := req.Metadata
	if strings.TrimSpace(metadata) == "" {
		metadata = didl.Build(didl.Item{
			URL:          req.URL,
			Title:        req.Title,
			Creator:      req.Creator,
			ContentType:  contentType,
			SubtitleURL:  req.SubtitleURL,
			SubtitleType: req.SubtitleType,
		})
	}

	instanceID := 0
	info, err := d.PrepareForConnection(ctx, "http-get:*:"+contentType+":*")
	switch {
	case err == nil:
		instanceID = info.AVTransportID
	case connectionFallback(err):
		d.log.Debug("upnp renderer prepare for connection unavailable, using instance 0", zap.Error(err))
	default:
		return 0, err
	}

	if err := d.SetAVTransportURI(ctx, instanceID, req.URL, metadata); err != nil {
		return instanceID, err
	}
	if req.Autoplay {
		if err := d.Play(ctx, instanceID, "1"); err != nil {
			return instanceID, err
		}
	}
	return instanceID, nil
}

// connectionFallback reports whether a PrepareForConnection error means the
// device simply does not support it.
func connectionFallback(err error) bool {
	var unsupported *UnsupportedServiceError
	if errors.As(err, &unsupported) {
		return true
	}
	var fault *soap.Fault
	return errors.As(err, &fault) && fault.NotImplemented()
}
