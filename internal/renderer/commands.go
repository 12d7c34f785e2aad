package renderer

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/mikey-austin/upnp_bridge/pkg/upnpbus"
)

// HandleCommand executes a bus command against instanceID. Unknown commands
// are accepted and ignored.
func (d *Device) HandleCommand(ctx context.Context, instanceID int, cmd upnpbus.Command) error {
	name := strings.ToLower(strings.TrimSpace(cmd.Command))
	d.log.Debug("upnp renderer command", zap.String("command", name), zap.Int("instance", instanceID))
	switch name {
	case "play":
		if strings.TrimSpace(cmd.URL) != "" {
			req := loadRequest(cmd)
			req.Autoplay = true
			_, err := d.Load(ctx, req)
			return err
		}
		return d.Play(ctx, instanceID, string(cmd.Speed))
	case "pause":
		return d.Pause(ctx, instanceID)
	case "stop":
		return d.Stop(ctx, instanceID)
	case "volume":
		volume, err := parseVolume(string(cmd.Current))
		if err != nil {
			return err
		}
		return d.SetVolume(ctx, instanceID, cmd.Channel, volume)
	case "status":
		return nil
	case "load":
		req := loadRequest(cmd)
		req.Autoplay = upnpbus.AutoplayEnabled(string(cmd.Autoplay))
		_, err := d.Load(ctx, req)
		return err
	default:
		d.log.Debug("upnp renderer ignoring command", zap.String("command", cmd.Command))
		return nil
	}
}

func loadRequest(cmd upnpbus.Command) LoadRequest {
	return LoadRequest{
		URL:          cmd.URL,
		Metadata:     cmd.Metadata,
		Title:        cmd.Title,
		Creator:      cmd.Creator,
		ContentType:  cmd.ContentType,
		SubtitleURL:  cmd.SubtitleURL,
		SubtitleType: cmd.SubtitleType,
	}
}

// parseVolume rounds value and clamps it to 0..100.
func parseVolume(value string) (int, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("invalid volume %q", value)
	}
	return int(math.Round(math.Max(0, math.Min(100, v)))), nil
}
