package renderer

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/mikey-austin/upnp_bridge/internal/upnp/soap"
)

// refresh reads the full state once after connecting so that the poll gate
// and the bus start from the device's actual state.
func (d *Device) refresh(ctx context.Context) {
	if d.hasService(AVTransport) {
		d.logCycle(AVTransport, d.pollFullAVTransport(ctx))
	}
	if d.hasService(RenderingControl) {
		d.logCycle(RenderingControl, d.updateVolume(ctx, 0, DefaultChannel))
	}
}

func (d *Device) installPolling(ctx context.Context) {
	if d.hasService(AVTransport) {
		d.startLoop(ctx, AVTransport, d.config.AVTransportPoll, d.pollAVTransport)
	}
	if d.hasService(RenderingControl) {
		d.startLoop(ctx, RenderingControl, d.config.RenderingPoll, func(ctx context.Context) error {
			return d.updateVolume(ctx, 0, DefaultChannel)
		})
	}
	if d.hasService(ConnectionManager) {
		d.startLoop(ctx, ConnectionManager, d.config.ConnectionPoll, d.updateConnectionInfo)
	}
}

func (d *Device) startLoop(ctx context.Context, name string, interval time.Duration, tick func(context.Context) error) {
	if interval <= 0 {
		return
	}
	d.log.Debug("upnp renderer poll installed", zap.String("service", name), zap.Duration("interval", interval))
	d.loops.Add(1)
	go func() {
		defer d.loops.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				d.logCycle(name, tick(ctx))
			}
		}
	}()
}

func (d *Device) logCycle(name string, err error) {
	if err == nil {
		return
	}
	d.log.Debug("upnp renderer poll failed", zap.String("service", name), zap.Error(err))
}

// pollAVTransport only reads position info, and only while playing; media
// and transport info follow events unless full polling is configured.
func (d *Device) pollAVTransport(ctx context.Context) error {
	if d.config.FullAVTransportPoll {
		return d.pollFullAVTransport(ctx)
	}
	if state, _ := d.tracker.Value(0, propTransportState); state != "PLAYING" {
		return nil
	}
	return d.updatePositionInfo(ctx, 0)
}

func (d *Device) pollFullAVTransport(ctx context.Context) error {
	var first error
	for _, update := range []func(context.Context, int) error{
		d.updateMediaInfo,
		d.updatePositionInfo,
		d.updateTransportInfo,
	} {
		if err := update(ctx, 0); err != nil {
			if first == nil {
				first = err
			}
			d.logCycle(AVTransport, err)
		}
	}
	return first
}

func (d *Device) updatePositionInfo(ctx context.Context, instanceID int) error {
	return d.pollTable(ctx, AVTransport, "GetPositionInfo", instanceID, "", positionInfoTable, "", expandMetadata(d.log))
}

func (d *Device) updateMediaInfo(ctx context.Context, instanceID int) error {
	return d.pollTable(ctx, AVTransport, "GetMediaInfo", instanceID, "", mediaInfoTable, "", expandMetadata(d.log))
}

func (d *Device) updateTransportInfo(ctx context.Context, instanceID int) error {
	return d.pollTable(ctx, AVTransport, "GetTransportInfo", instanceID, "", transportInfoTable, "", nil)
}

func (d *Device) updateVolume(ctx context.Context, instanceID int, channel string) error {
	if channel == "" {
		channel = DefaultChannel
	}
	return d.pollTable(ctx, RenderingControl, "GetVolume", instanceID, soap.Arg("Channel", channel), volumeTable, channel+"/", func(batch []Observation) []Observation {
		for i := range batch {
			batch[i].Type = "volume"
			d.setVolume(channel, batch[i].Value)
		}
		return batch
	})
}

func (d *Device) updateConnectionInfo(ctx context.Context) error {
	return d.pollTable(ctx, ConnectionManager, "GetCurrentConnectionIDs", soap.NoInstance, "", connectionInfoTable, "", nil)
}

func (d *Device) pollTable(ctx context.Context, serviceName string, action string, instanceID int, body string, table Table, prefix string, post PostProcessor) error {
	svc, err := d.service(serviceName, action)
	if err != nil {
		return err
	}
	resp, err := d.soap.Invoke(ctx, svc.controlURL, svc.serviceType, action, instanceID, body)
	if err != nil {
		return err
	}
	if resp == nil {
		return nil
	}
	trackInstance := instanceID
	if trackInstance == soap.NoInstance {
		trackInstance = 0
	}
	_, err = d.tracker.Apply(ctx, svc.kind, trackInstance, table.Observe(resp, prefix), NormalizeAbsent, post)
	return err
}

func (d *Device) hasService(name string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.services[name]
	return ok
}

// service returns a copy of a service entry, or UnsupportedServiceError.
func (d *Device) service(name string, action string) (service, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	svc, ok := d.services[name]
	if !ok {
		return service{}, &UnsupportedServiceError{Device: d.alias, Service: name, Action: action}
	}
	return *svc, nil
}

func (d *Device) setVolume(channel string, value string) {
	d.mu.Lock()
	d.volumes[channel] = value
	d.mu.Unlock()
}

// Volume returns the last known volume of a channel.
func (d *Device) Volume(channel string) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	v, ok := d.volumes[channel]
	return v, ok
}
