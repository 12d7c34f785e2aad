// Package didl reads and writes DIDL-Lite media metadata fragments.
package didl

import (
	"fmt"
	"net/url"
	"path"
	"strings"

	"github.com/mikey-austin/upnp_bridge/internal/upnp/xmlpath"
)

// DefaultContentType is used for the main resource when a load request names none.
const DefaultContentType = "video/mpeg"

const defaultSubtitleType = "srt"

// notImplemented is what many renderers report for metadata they do not track.
const notImplemented = "NOT_IMPLEMENTED"

// Metadata is the flattened view of a DIDL-Lite item.
type Metadata struct {
	Title       string
	Artist      string
	Genre       string
	Album       string
	TrackNumber string
	Class       string
	// URL is the first <res> of the item.
	URL string
}

// Fields returns every value keyed by its short name, empty ones included,
// in a fixed order: title, artist, genre, album, trackNumber, class.
func (m Metadata) Fields() [][2]string {
	return [][2]string{
		{"title", m.Title},
		{"artist", m.Artist},
		{"genre", m.Genre},
		{"album", m.Album},
		{"trackNumber", m.TrackNumber},
		{"class", m.Class},
	}
}

// MalformedMetadataError reports a fragment that could not be fully parsed.
// Values read before the syntax error are still returned by Extract.
type MalformedMetadataError struct {
	Err error
}

func (e *MalformedMetadataError) Error() string {
	return fmt.Sprintf("malformed DIDL-Lite metadata: %v", e.Err)
}

func (e *MalformedMetadataError) Unwrap() error {
	return e.Err
}

// Extract flattens the first item of a DIDL-Lite fragment. An empty or
// NOT_IMPLEMENTED fragment yields zero Metadata and no error.
func Extract(fragment string) (Metadata, error) {
	fragment = strings.TrimSpace(fragment)
	if fragment == "" || fragment == notImplemented {
		return Metadata{}, nil
	}
	root, err := xmlpath.ParseString(fragment)
	var md Metadata
	if root != nil {
		md = fromItem(findItem(root))
	}
	if err != nil {
		return md, &MalformedMetadataError{Err: err}
	}
	return md, nil
}

func findItem(root *xmlpath.Node) *xmlpath.Node {
	switch root.LocalName() {
	case "item", "container":
		return root
	}
	for _, c := range root.Children {
		switch c.LocalName() {
		case "item", "container":
			return c
		}
	}
	return nil
}

func fromItem(item *xmlpath.Node) Metadata {
	var md Metadata
	if item == nil {
		return md
	}
	var creator string
	for _, c := range item.Children {
		value := strings.TrimSpace(c.Text())
		switch c.LocalName() {
		case "title":
			md.Title = first(md.Title, value)
		case "artist":
			md.Artist = first(md.Artist, value)
		case "creator":
			creator = first(creator, value)
		case "genre":
			md.Genre = first(md.Genre, value)
		case "album":
			md.Album = first(md.Album, value)
		case "originalTrackNumber":
			md.TrackNumber = first(md.TrackNumber, value)
		case "class":
			md.Class = first(md.Class, value)
		case "res":
			md.URL = first(md.URL, value)
		}
	}
	if md.Artist == "" {
		md.Artist = creator
	}
	return md
}

func first(current string, value string) string {
	if current != "" {
		return current
	}
	return value
}

// Item describes a media resource to announce to a renderer.
type Item struct {
	URL          string
	Title        string
	Creator      string
	ContentType  string
	SubtitleURL  string
	SubtitleType string
}

// Build renders a single-item DIDL-Lite document for item. The subtitle, when
// present, is announced both as a <res> and through the sec:CaptionInfo
// extensions some TVs require.
func Build(item Item) string {
	contentType := strings.TrimSpace(item.ContentType)
	if contentType == "" {
		contentType = DefaultContentType
	}
	title := strings.TrimSpace(item.Title)
	if title == "" {
		title = titleFromURL(item.URL)
	}

	var b strings.Builder
	b.WriteString(`<DIDL-Lite xmlns="urn:schemas-upnp-org:metadata-1-0/DIDL-Lite/"`)
	b.WriteString(` xmlns:dc="http://purl.org/dc/elements/1.1/"`)
	b.WriteString(` xmlns:upnp="urn:schemas-upnp-org:metadata-1-0/upnp/"`)
	b.WriteString(` xmlns:sec="http://www.sec.co.kr/">`)
	b.WriteString(`<item id="0" parentID="-1" restricted="1">`)
	b.WriteString(`<dc:title>` + escape(title) + `</dc:title>`)
	if creator := strings.TrimSpace(item.Creator); creator != "" {
		b.WriteString(`<dc:creator>` + escape(creator) + `</dc:creator>`)
	}
	b.WriteString(`<upnp:class>` + classFor(contentType) + `</upnp:class>`)
	b.WriteString(`<res protocolInfo="` + escape(protocolInfo(contentType)) + `">` + escape(item.URL) + `</res>`)
	if sub := strings.TrimSpace(item.SubtitleURL); sub != "" {
		subType := strings.TrimSpace(item.SubtitleType)
		if subType == "" {
			subType = defaultSubtitleType
		}
		b.WriteString(`<res protocolInfo="` + escape(protocolInfo("text/"+subType)) + `">` + escape(sub) + `</res>`)
		b.WriteString(`<sec:CaptionInfoEx sec:type="` + escape(subType) + `">` + escape(sub) + `</sec:CaptionInfoEx>`)
		b.WriteString(`<sec:CaptionInfo sec:type="` + escape(subType) + `">` + escape(sub) + `</sec:CaptionInfo>`)
	}
	b.WriteString(`</item></DIDL-Lite>`)
	return b.String()
}

func protocolInfo(contentType string) string {
	return "http-get:*:" + contentType + ":*"
}

func classFor(contentType string) string {
	switch {
	case strings.HasPrefix(contentType, "audio/"):
		return "object.item.audioItem.musicTrack"
	case strings.HasPrefix(contentType, "image/"):
		return "object.item.imageItem.photo"
	case strings.HasPrefix(contentType, "video/"):
		return "object.item.videoItem"
	default:
		return "object.item"
	}
}

func titleFromURL(mediaURL string) string {
	if u, err := url.Parse(mediaURL); err == nil {
		if base := path.Base(u.Path); base != "" && base != "/" && base != "." {
			return base
		}
		if u.Host != "" {
			return u.Host
		}
	}
	return mediaURL
}

var escaper = strings.NewReplacer(
	`&`, "&amp;",
	`<`, "&lt;",
	`>`, "&gt;",
	`"`, "&quot;",
	`'`, "&apos;",
)

func escape(s string) string {
	return escaper.Replace(s)
}
