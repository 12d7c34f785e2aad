// Package upnpbus defines the bus records exchanged by the UPnP bridge.
package upnpbus

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// BaseTopic is the default MQTT topic prefix.
const BaseTopic = "upnp/v1"

// Message kinds.
const (
	KindAVTransport       = "upnp.AVTransport"
	KindRenderingControl  = "upnp.RenderingControl"
	KindConnectionManager = "upnp.ConnectionManager"
	KindAudio             = "upnp.audio"
)

// Status is a single property change published by the bridge.
type Status struct {
	Device  string `json:"device"`
	Type    string `json:"type,omitempty"`
	Current string `json:"current"`
}

// Command is an inbound request addressed to one or more renderers.
// Device is "<alias-pattern>[/<instance>]".
type Command struct {
	Kind         string `json:"kind,omitempty"`
	Device       string `json:"device"`
	Command      string `json:"command"`
	URL          string `json:"url,omitempty"`
	Metadata     string `json:"metadata,omitempty"`
	Title        string `json:"title,omitempty"`
	Creator      string `json:"creator,omitempty"`
	ContentType  string `json:"contentType,omitempty"`
	SubtitleURL  string `json:"subtitleUrl,omitempty"`
	SubtitleType string `json:"subtitleType,omitempty"`
	Speed        Text   `json:"speed,omitempty"`
	Current      Text   `json:"current,omitempty"`
	Channel      string `json:"channel,omitempty"`
	Autoplay     Text   `json:"autoplay,omitempty"`
}

// Text is a string field that also accepts JSON numbers and booleans, so
// {"current": 40} and {"current": "40"} decode alike.
type Text string

// UnmarshalJSON implements json.Unmarshaler.
func (t *Text) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case nil:
		*t = ""
	case string:
		*t = Text(v)
	case bool:
		*t = Text(strconv.FormatBool(v))
	case float64:
		*t = Text(strconv.FormatFloat(v, 'f', -1, 64))
	default:
		return fmt.Errorf("expected a string, number or boolean, got %s", data)
	}
	return nil
}

// DecodeCommand parses a command payload. kind is taken from the topic when
// the payload does not carry one.
func DecodeCommand(payload []byte, kind string) (Command, error) {
	var cmd Command
	if err := json.Unmarshal(payload, &cmd); err != nil {
		return Command{}, fmt.Errorf("decode command: %w", err)
	}
	if cmd.Kind == "" {
		cmd.Kind = kind
	}
	if err := ValidateCommand(cmd); err != nil {
		return Command{}, err
	}
	return cmd, nil
}

// ValidateCommand checks required fields.
func ValidateCommand(cmd Command) error {
	if strings.TrimSpace(cmd.Device) == "" {
		return errors.New("device is required")
	}
	if strings.TrimSpace(cmd.Command) == "" {
		return errors.New("command is required")
	}
	return nil
}

var autoplayRe = regexp.MustCompile(`(?i)^(true|1|enable|enabled)$`)

// AutoplayEnabled reports whether an autoplay flag string turns playback on.
func AutoplayEnabled(flag string) bool {
	return autoplayRe.MatchString(strings.TrimSpace(flag))
}

// DevicePath builds the device field of a status record.
func DevicePath(alias string, instanceID int, name string) string {
	return fmt.Sprintf("%s/%d/%s", alias, instanceID, name)
}

// TopicStatus builds the topic status records of kind are published on.
func TopicStatus(topicBase, kind string) string {
	return fmt.Sprintf("%s/stat/%s", topicBase, kind)
}

// TopicCommand builds the topic commands of kind are received on.
func TopicCommand(topicBase, kind string) string {
	return fmt.Sprintf("%s/cmnd/%s", topicBase, kind)
}

// KindFromCommandTopic extracts the kind from a command topic.
func KindFromCommandTopic(topicBase, topic string) (string, bool) {
	prefix := topicBase + "/cmnd/"
	if !strings.HasPrefix(topic, prefix) {
		return "", false
	}
	kind := strings.TrimPrefix(topic, prefix)
	return kind, kind != "" && !strings.Contains(kind, "/")
}
