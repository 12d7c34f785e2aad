package renderer

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/mikey-austin/upnp_bridge/internal/upnp/xmlpath"
	"github.com/mikey-austin/upnp_bridge/pkg/upnpbus"
)

// HandleEvent applies a GENA property set delivered for serviceName.
func (d *Device) HandleEvent(ctx context.Context, serviceName string, body []byte) error {
	root, err := xmlpath.Parse(body)
	if err != nil {
		return fmt.Errorf("parse %s event: %w", serviceName, err)
	}
	for _, prop := range root.Children {
		if prop.LocalName() != "property" {
			continue
		}
		switch serviceName {
		case AVTransport, RenderingControl:
			for _, v := range prop.Children {
				if v.LocalName() != "LastChange" {
					continue
				}
				if err := d.applyLastChange(ctx, serviceName, v.Text()); err != nil {
					return err
				}
			}
		case ConnectionManager:
			obs := connectionManagerEventTable.Observe(prop, "")
			if _, err := d.tracker.Apply(ctx, upnpbus.KindConnectionManager, 0, obs, IgnoreAbsent, nil); err != nil {
				return err
			}
		}
	}
	return nil
}

func (d *Device) applyLastChange(ctx context.Context, serviceName string, lastChange string) error {
	lastChange = strings.TrimSpace(lastChange)
	if lastChange == "" {
		return nil
	}
	event, err := xmlpath.ParseString(lastChange)
	if err != nil {
		return fmt.Errorf("parse %s LastChange: %w", serviceName, err)
	}
	for _, inst := range event.Children {
		if inst.LocalName() != "InstanceID" {
			continue
		}
		instanceID := 0
		if val, ok := inst.Attr("val"); ok {
			if n, err := strconv.Atoi(strings.TrimSpace(val)); err == nil {
				instanceID = n
			}
		}
		var err error
		switch serviceName {
		case AVTransport:
			obs := avTransportEventTable.Observe(inst, "")
			_, err = d.tracker.Apply(ctx, upnpbus.KindAVTransport, instanceID, obs, IgnoreAbsent, expandMetadata(d.log))
		case RenderingControl:
			_, err = d.tracker.Apply(ctx, upnpbus.KindRenderingControl, instanceID, d.renderingObservations(inst), IgnoreAbsent, nil)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// renderingObservations reads per-channel Volume and Mute variables.
func (d *Device) renderingObservations(inst *xmlpath.Node) []Observation {
	var out []Observation
	for _, v := range inst.Children {
		var suffix string
		switch v.LocalName() {
		case "Volume":
			suffix = "volume"
		case "Mute":
			suffix = "mute"
		default:
			continue
		}
		value, ok := v.Attr("val")
		if !ok {
			continue
		}
		channel, _ := v.Attr("channel")
		if channel == "" {
			channel = DefaultChannel
		}
		if suffix == "volume" {
			d.setVolume(channel, value)
		}
		out = append(out, Observation{Name: channel + "/" + suffix, Value: value, Present: true, Type: suffix})
	}
	if len(out) == 0 {
		d.log.Debug("upnp rendering event without volume or mute")
	}
	return out
}
