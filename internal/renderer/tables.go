package renderer

import (
	"github.com/mikey-austin/upnp_bridge/internal/upnp/xmlpath"
)

// Property maps a value location in a UPnP payload to its canonical name.
type Property struct {
	Path []string
	Name string
}

// Table is an ordered, read-only list of properties for one payload shape.
type Table []Property

// Observation is one value read from a payload.
type Observation struct {
	Name    string
	Value   string
	Present bool
	Type    string
}

// Observe reads every property of the table from node. Names are prefixed
// with prefix.
func (t Table) Observe(node *xmlpath.Node, prefix string) []Observation {
	out := make([]Observation, 0, len(t))
	for _, p := range t {
		value, ok := xmlpath.Resolve(node, p.Path...)
		out = append(out, Observation{Name: prefix + p.Name, Value: value, Present: ok})
	}
	return out
}

func eventVar(name string, canonical string) Property {
	return Property{Path: []string{name, "@val"}, Name: canonical}
}

func field(name string, canonical string) Property {
	return Property{Path: []string{name}, Name: canonical}
}

// Canonical names shared between events, polls and metadata expansion.
const (
	propAVTransportURI         = "avTransportURI"
	propAVTransportURIMetaData = "avTransportURIMetaData"
	propCurrentTrackMetaData   = "currentTrackMetaData"
	propTransportState         = "transportState"
	metaDataPrefix             = "metaData/"
)

// avTransportEventTable reads LastChange state variables, relative to an
// InstanceID element.
var avTransportEventTable = Table{
	eventVar("AVTransportURI", propAVTransportURI),
	eventVar("AVTransportURIMetaData", propAVTransportURIMetaData),
	eventVar("NextAVTransportURI", "nextAVTransportURI"),
	eventVar("NextAVTransportURIMetaData", "nextAVTransportURIMetaData"),
	eventVar("CurrentTrack", "currentTrack"),
	eventVar("CurrentTrackDuration", "currentTrackDuration"),
	eventVar("CurrentTrackURI", "currentTrackURI"),
	eventVar("CurrentTrackMetaData", propCurrentTrackMetaData),
	eventVar("TransportState", propTransportState),
	eventVar("TransportStatus", "transportStatus"),
	eventVar("TransportPlaySpeed", "transportPlaySpeed"),
	eventVar("CurrentPlayMode", "currentPlayMode"),
	eventVar("NumberOfTracks", "numberOfTracks"),
	eventVar("CurrentMediaDuration", "currentMediaDuration"),
}

var positionInfoTable = Table{
	field("Track", "currentTrack"),
	field("TrackDuration", "currentTrackDuration"),
	field("TrackMetaData", propCurrentTrackMetaData),
	field("TrackURI", "currentTrackURI"),
	field("RelTime", "relativeTimePosition"),
	field("AbsTime", "absoluteTimePosition"),
	field("RelCount", "relativeCounterPosition"),
	field("AbsCount", "absoluteCounterPosition"),
}

var mediaInfoTable = Table{
	field("NrTracks", "numberOfTracks"),
	field("MediaDuration", "currentMediaDuration"),
	field("CurrentURI", propAVTransportURI),
	field("CurrentURIMetaData", propAVTransportURIMetaData),
	field("NextURI", "nextAVTransportURI"),
	field("NextURIMetaData", "nextAVTransportURIMetaData"),
}

var transportInfoTable = Table{
	field("CurrentTransportState", propTransportState),
	field("CurrentTransportStatus", "transportStatus"),
	field("CurrentSpeed", "transportPlaySpeed"),
}

// volumeTable is applied with a "<channel>/" prefix.
var volumeTable = Table{
	field("CurrentVolume", "volume"),
}

var connectionInfoTable = Table{
	field("ConnectionIDs", "currentConnectionIDs"),
}

// connectionManagerEventTable reads the evented variables of a
// ConnectionManager property element.
var connectionManagerEventTable = Table{
	field("SourceProtocolInfo", "sourceProtocolInfo"),
	field("SinkProtocolInfo", "sinkProtocolInfo"),
	field("CurrentConnectionIDs", "currentConnectionIDs"),
}
