package renderer

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/mikey-austin/upnp_bridge/internal/upnp/didl"
	"github.com/mikey-austin/upnp_bridge/pkg/upnpbus"
)

// Publisher sends status records to the bus.
type Publisher interface {
	Publish(ctx context.Context, kind string, status upnpbus.Status) error
}

// Mode selects how absent values are treated.
type Mode int

const (
	// NormalizeAbsent treats a missing value as "" (full poll snapshots).
	NormalizeAbsent Mode = iota
	// IgnoreAbsent drops missing values (events carry only what changed).
	IgnoreAbsent
)

// PostProcessor rewrites an observation batch before change detection.
type PostProcessor func(batch []Observation) []Observation

type propertyKey struct {
	instance int
	name     string
}

// Tracker holds the last known value of every property of one device and
// publishes values that differ.
type Tracker struct {
	log   *zap.Logger
	pub   Publisher
	alias string

	mu     sync.Mutex
	values map[propertyKey]string
}

// NewTracker creates a tracker publishing under alias.
func NewTracker(log *zap.Logger, pub Publisher, alias string) *Tracker {
	if log == nil {
		log = zap.NewNop()
	}
	return &Tracker{
		log:    log,
		pub:    pub,
		alias:  alias,
		values: map[propertyKey]string{},
	}
}

// Value returns the stored value of a property.
func (t *Tracker) Value(instanceID int, name string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.values[propertyKey{instanceID, name}]
	return v, ok
}

// Apply stores and publishes every observation whose value differs from the
// stored one, in batch order. The first present value of a property always
// publishes, even when empty; an absent value normalized to "" publishes only
// when it clears a stored value. It returns how many records were published.
// A publish error stops the batch; values already published stay stored.
func (t *Tracker) Apply(ctx context.Context, kind string, instanceID int, batch []Observation, mode Mode, post PostProcessor) (int, error) {
	filtered := make([]Observation, 0, len(batch))
	for _, obs := range batch {
		if !obs.Present {
			if mode == IgnoreAbsent {
				continue
			}
			obs.Value = ""
		}
		filtered = append(filtered, obs)
	}
	if post != nil {
		filtered = post(filtered)
	}

	published := 0
	for _, obs := range filtered {
		key := propertyKey{instanceID, obs.Name}
		t.mu.Lock()
		old, seen := t.values[key]
		if old == obs.Value && (seen || !obs.Present) {
			t.mu.Unlock()
			continue
		}
		t.values[key] = obs.Value
		t.mu.Unlock()

		t.log.Debug("upnp property changed",
			zap.Int("instance", instanceID),
			zap.String("name", obs.Name),
			zap.String("old", old),
			zap.String("new", obs.Value))
		if t.pub == nil {
			continue
		}
		status := upnpbus.Status{
			Device:  upnpbus.DevicePath(t.alias, instanceID, obs.Name),
			Type:    obs.Type,
			Current: obs.Value,
		}
		if err := t.pub.Publish(ctx, kind, status); err != nil {
			return published, err
		}
		published++
	}
	return published, nil
}

// expandMetadata returns a post processor that flattens DIDL-Lite metadata
// fields into metaData/* observations. Every field is emitted once a fragment
// is seen so a track without an artist clears the previous artist; empty
// fields are marked absent so they never publish on first sight. When both
// fragments are in the batch, a non-empty value wins. A <res> URL replaces
// avTransportURI.
func expandMetadata(log *zap.Logger) PostProcessor {
	return func(batch []Observation) []Observation {
		var fields []Observation
		index := map[string]int{}
		var url string
		for _, obs := range batch {
			if obs.Name != propAVTransportURIMetaData && obs.Name != propCurrentTrackMetaData {
				continue
			}
			md, err := didl.Extract(obs.Value)
			if err != nil {
				var merr *didl.MalformedMetadataError
				if errors.As(err, &merr) {
					log.Warn("upnp metadata malformed", zap.String("field", obs.Name), zap.Error(err))
				}
			}
			for _, f := range md.Fields() {
				o := Observation{Name: metaDataPrefix + f[0], Value: f[1], Present: f[1] != ""}
				i, ok := index[o.Name]
				if !ok {
					index[o.Name] = len(fields)
					fields = append(fields, o)
					continue
				}
				if o.Present {
					fields[i] = o
				}
			}
			if md.URL != "" {
				url = md.URL
			}
		}
		if len(fields) == 0 {
			return batch
		}
		if url != "" {
			fields = append(fields, Observation{Name: propAVTransportURI, Value: url, Present: true})
		}
		return mergeObservations(batch, fields)
	}
}

// mergeObservations overlays extra onto batch. A later value for a name
// replaces an earlier one in place; new names are appended.
func mergeObservations(batch []Observation, extra []Observation) []Observation {
	out := make([]Observation, 0, len(batch)+len(extra))
	index := map[string]int{}
	for _, obs := range append(append([]Observation(nil), batch...), extra...) {
		if i, ok := index[obs.Name]; ok {
			out[i] = obs
			continue
		}
		index[obs.Name] = len(out)
		out = append(out, obs)
	}
	return out
}
