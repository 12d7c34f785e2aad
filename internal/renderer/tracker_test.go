package renderer

import (
	"context"
	"errors"
	"sync"
	"testing"

	"go.uber.org/zap"

	"github.com/mikey-austin/upnp_bridge/pkg/upnpbus"
)

type published struct {
	kind   string
	status upnpbus.Status
}

type memoryPublisher struct {
	mu      sync.Mutex
	records []published
	failAt  int
}

func (p *memoryPublisher) Publish(_ context.Context, kind string, status upnpbus.Status) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failAt > 0 && len(p.records)+1 == p.failAt {
		return errors.New("bus down")
	}
	p.records = append(p.records, published{kind: kind, status: status})
	return nil
}

func (p *memoryPublisher) all() []published {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]published(nil), p.records...)
}

func (p *memoryPublisher) value(device string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := len(p.records) - 1; i >= 0; i-- {
		if p.records[i].status.Device == device {
			return p.records[i].status.Current, true
		}
	}
	return "", false
}

func obs(name string, value string) Observation {
	return Observation{Name: name, Value: value, Present: true}
}

func TestApplyPublishesOnlyChanges(t *testing.T) {
	pub := &memoryPublisher{}
	tr := NewTracker(zap.NewNop(), pub, "tv")
	ctx := context.Background()

	for _, value := range []string{"PLAYING", "PLAYING", "STOPPED", "STOPPED", "PLAYING"} {
		if _, err := tr.Apply(ctx, upnpbus.KindAVTransport, 0, []Observation{obs("transportState", value)}, IgnoreAbsent, nil); err != nil {
			t.Fatalf("apply: %v", err)
		}
	}
	records := pub.all()
	if len(records) != 3 {
		t.Fatalf("expected 3 notifications, got %d: %+v", len(records), records)
	}
	want := []string{"PLAYING", "STOPPED", "PLAYING"}
	for i, r := range records {
		if r.status.Current != want[i] || r.status.Device != "tv/0/transportState" || r.kind != upnpbus.KindAVTransport {
			t.Fatalf("record %d => %+v", i, r)
		}
	}
}

func TestApplyKeysByInstance(t *testing.T) {
	pub := &memoryPublisher{}
	tr := NewTracker(nil, pub, "tv")
	ctx := context.Background()
	_, _ = tr.Apply(ctx, upnpbus.KindAVTransport, 0, []Observation{obs("transportState", "PLAYING")}, IgnoreAbsent, nil)
	_, _ = tr.Apply(ctx, upnpbus.KindAVTransport, 1, []Observation{obs("transportState", "PLAYING")}, IgnoreAbsent, nil)
	if len(pub.all()) != 2 {
		t.Fatalf("instances must be tracked separately: %+v", pub.all())
	}
}

func TestApplyAbsentModes(t *testing.T) {
	pub := &memoryPublisher{}
	tr := NewTracker(nil, pub, "tv")
	ctx := context.Background()

	if _, err := tr.Apply(ctx, upnpbus.KindAVTransport, 0, []Observation{obs("currentTrackURI", "http://x/1")}, IgnoreAbsent, nil); err != nil {
		t.Fatalf("apply: %v", err)
	}
	absent := []Observation{{Name: "currentTrackURI"}}
	n, err := tr.Apply(ctx, upnpbus.KindAVTransport, 0, absent, IgnoreAbsent, nil)
	if err != nil || n != 0 {
		t.Fatalf("ignore absent => %d %v", n, err)
	}
	n, err = tr.Apply(ctx, upnpbus.KindAVTransport, 0, absent, NormalizeAbsent, nil)
	if err != nil || n != 1 {
		t.Fatalf("normalize absent => %d %v", n, err)
	}
	if v, _ := pub.value("tv/0/currentTrackURI"); v != "" {
		t.Fatalf("absent should publish empty value, got %q", v)
	}
	n, _ = tr.Apply(ctx, upnpbus.KindAVTransport, 0, []Observation{{Name: "relativeTimePosition"}}, NormalizeAbsent, nil)
	if n != 0 {
		t.Fatalf("empty first value must not publish")
	}
}

func TestApplyPublishErrorStopsBatch(t *testing.T) {
	pub := &memoryPublisher{failAt: 2}
	tr := NewTracker(nil, pub, "tv")
	batch := []Observation{obs("a", "1"), obs("b", "2"), obs("c", "3")}
	n, err := tr.Apply(context.Background(), upnpbus.KindAVTransport, 0, batch, IgnoreAbsent, nil)
	if err == nil || n != 1 {
		t.Fatalf("expected error after one publish, got %d %v", n, err)
	}
	if _, ok := tr.Value(0, "c"); ok {
		t.Fatalf("fields after the failure must not be stored")
	}
}

func TestExpandMetadataTitleAndArtist(t *testing.T) {
	pub := &memoryPublisher{}
	tr := NewTracker(nil, pub, "tv")
	batch := []Observation{
		obs("avTransportURI", "http://x/stream"),
		obs("currentTrackMetaData", `<item><dc:title>Song</dc:title><upnp:artist>Band</upnp:artist></item>`),
	}
	if _, err := tr.Apply(context.Background(), upnpbus.KindAVTransport, 0, batch, IgnoreAbsent, expandMetadata(zap.NewNop())); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if v, _ := pub.value("tv/0/metaData/title"); v != "Song" {
		t.Fatalf("title => %q", v)
	}
	if v, _ := pub.value("tv/0/metaData/artist"); v != "Band" {
		t.Fatalf("artist => %q", v)
	}
	if v, _ := pub.value("tv/0/avTransportURI"); v != "http://x/stream" {
		t.Fatalf("uri must not be overridden without res, got %q", v)
	}
}

func TestExpandMetadataResOverridesURI(t *testing.T) {
	post := expandMetadata(zap.NewNop())
	out := post([]Observation{
		obs("avTransportURI", "http://x/nominal"),
		obs("avTransportURIMetaData", `<DIDL-Lite><item><dc:title>T</dc:title><res>http://x/real.mp3</res></item></DIDL-Lite>`),
	})
	got := map[string]string{}
	for _, o := range out {
		got[o.Name] = o.Value
	}
	if got["avTransportURI"] != "http://x/real.mp3" || got["metaData/title"] != "T" {
		t.Fatalf("unexpected batch %+v", out)
	}
	if out[0].Name != "avTransportURI" {
		t.Fatalf("override must replace in place, got %+v", out)
	}
}

func TestExpandMetadataMalformedKeepsPartial(t *testing.T) {
	post := expandMetadata(zap.NewNop())
	out := post([]Observation{obs("currentTrackMetaData", `<item><dc:title>Half</dc:title><upnp:album>`)})
	found := false
	for _, o := range out {
		if o.Name == "metaData/title" && o.Value == "Half" {
			found = true
		}
	}
	if !found {
		t.Fatalf("partial metadata lost: %+v", out)
	}
}

func TestApplyFirstEmptyValuePublishes(t *testing.T) {
	pub := &memoryPublisher{}
	tr := NewTracker(nil, pub, "tv")
	ctx := context.Background()

	n, err := tr.Apply(ctx, upnpbus.KindAVTransport, 0, []Observation{obs("transportStatus", "")}, IgnoreAbsent, nil)
	if err != nil || n != 1 {
		t.Fatalf("first empty value => %d %v", n, err)
	}
	if v, ok := pub.value("tv/0/transportStatus"); !ok || v != "" {
		t.Fatalf("unexpected record %q %v", v, ok)
	}
	n, _ = tr.Apply(ctx, upnpbus.KindAVTransport, 0, []Observation{obs("transportStatus", "")}, IgnoreAbsent, nil)
	if n != 0 {
		t.Fatalf("repeated empty value must not publish")
	}
}

func TestExpandMetadataClearsStaleFields(t *testing.T) {
	pub := &memoryPublisher{}
	tr := NewTracker(nil, pub, "tv")
	ctx := context.Background()
	post := expandMetadata(zap.NewNop())

	song := []Observation{obs("currentTrackMetaData", `<item><dc:title>Song</dc:title><upnp:artist>Band</upnp:artist></item>`)}
	if _, err := tr.Apply(ctx, upnpbus.KindAVTransport, 0, song, IgnoreAbsent, post); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if _, ok := pub.value("tv/0/metaData/album"); ok {
		t.Fatalf("empty album must not publish on first sight")
	}

	podcast := []Observation{obs("currentTrackMetaData", `<item><dc:title>Podcast</dc:title></item>`)}
	if _, err := tr.Apply(ctx, upnpbus.KindAVTransport, 0, podcast, IgnoreAbsent, post); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if v, _ := pub.value("tv/0/metaData/title"); v != "Podcast" {
		t.Fatalf("title => %q", v)
	}
	if v, ok := pub.value("tv/0/metaData/artist"); !ok || v != "" {
		t.Fatalf("stale artist must be cleared, got %q", v)
	}
	if v, _ := tr.Value(0, "metaData/artist"); v != "" {
		t.Fatalf("stored artist => %q", v)
	}
}

func TestExpandMetadataPrefersNonEmptyAcrossFragments(t *testing.T) {
	post := expandMetadata(zap.NewNop())
	out := post([]Observation{
		obs("avTransportURIMetaData", `<item><dc:title>Album Stream</dc:title><upnp:artist>Band</upnp:artist></item>`),
		obs("currentTrackMetaData", `<item><dc:title>Track</dc:title></item>`),
	})
	got := map[string]string{}
	for _, o := range out {
		got[o.Name] = o.Value
	}
	if got["metaData/title"] != "Track" || got["metaData/artist"] != "Band" {
		t.Fatalf("unexpected batch %+v", out)
	}
}
