package upnpbus

import "testing"

func TestDecodeCommandTakesKindFromTopic(t *testing.T) {
	cmd, err := DecodeCommand([]byte(`{"device":"living*/0","command":"volume","current":"40","channel":"Master"}`), KindAudio)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if cmd.Kind != KindAudio || cmd.Device != "living*/0" || cmd.Current != "40" {
		t.Fatalf("unexpected command %+v", cmd)
	}
}

func TestDecodeCommandScalarFields(t *testing.T) {
	cmd, err := DecodeCommand([]byte(`{"device":"tv","command":"load","current":40.5,"autoplay":true,"speed":null}`), KindAudio)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if cmd.Current != "40.5" || !AutoplayEnabled(string(cmd.Autoplay)) || cmd.Speed != "" {
		t.Fatalf("unexpected command %+v", cmd)
	}
	if _, err := DecodeCommand([]byte(`{"device":"tv","command":"load","current":[1]}`), KindAudio); err == nil {
		t.Fatalf("expected error for array value")
	}
}

func TestDecodeCommandMissingFields(t *testing.T) {
	if _, err := DecodeCommand([]byte(`{"command":"play"}`), KindAudio); err == nil {
		t.Fatalf("expected missing device error")
	}
	if _, err := DecodeCommand([]byte(`{"device":"tv"}`), KindAudio); err == nil {
		t.Fatalf("expected missing command error")
	}
	if _, err := DecodeCommand([]byte(`{`), KindAudio); err == nil {
		t.Fatalf("expected json error")
	}
}

func TestAutoplayEnabled(t *testing.T) {
	cases := map[string]bool{
		"true":    true,
		"TRUE":    true,
		"1":       true,
		"Enable":  true,
		"enabled": true,
		"":        false,
		"0":       false,
		"no":      false,
		"truely":  false,
	}
	for flag, want := range cases {
		if got := AutoplayEnabled(flag); got != want {
			t.Fatalf("AutoplayEnabled(%q) = %v", flag, got)
		}
	}
}

func TestTopics(t *testing.T) {
	if got := TopicStatus(BaseTopic, KindAVTransport); got != "upnp/v1/stat/upnp.AVTransport" {
		t.Fatalf("status topic %s", got)
	}
	topic := TopicCommand(BaseTopic, KindAudio)
	kind, ok := KindFromCommandTopic(BaseTopic, topic)
	if !ok || kind != KindAudio {
		t.Fatalf("kind from %s => %q %v", topic, kind, ok)
	}
	if _, ok := KindFromCommandTopic(BaseTopic, "other/cmnd/x"); ok {
		t.Fatalf("foreign topic accepted")
	}
	if got := DevicePath("tv", 0, "transportState"); got != "tv/0/transportState" {
		t.Fatalf("device path %s", got)
	}
}
