package didl

import (
	"errors"
	"strings"
	"testing"
)

func TestExtractTitleAndArtist(t *testing.T) {
	md, err := Extract(`<item><dc:title>Song</dc:title><upnp:artist>Band</upnp:artist></item>`)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if md.Title != "Song" || md.Artist != "Band" {
		t.Fatalf("unexpected metadata %+v", md)
	}
	if md.URL != "" {
		t.Fatalf("no res means no url, got %q", md.URL)
	}
	fields := md.Fields()
	if len(fields) != 6 || fields[0] != [2]string{"title", "Song"} || fields[1] != [2]string{"artist", "Band"} || fields[3] != [2]string{"album", ""} {
		t.Fatalf("unexpected fields %v", fields)
	}
}

func TestExtractFullItem(t *testing.T) {
	fragment := `<DIDL-Lite xmlns="urn:schemas-upnp-org:metadata-1-0/DIDL-Lite/" xmlns:dc="http://purl.org/dc/elements/1.1/" xmlns:upnp="urn:schemas-upnp-org:metadata-1-0/upnp/">
<item id="1" parentID="0" restricted="1">
  <dc:title>Teardrop</dc:title>
  <dc:creator>Massive Attack</dc:creator>
  <upnp:genre>Trip Hop</upnp:genre>
  <upnp:album>Mezzanine</upnp:album>
  <upnp:originalTrackNumber>3</upnp:originalTrackNumber>
  <upnp:class>object.item.audioItem.musicTrack</upnp:class>
  <res protocolInfo="http-get:*:audio/flac:*">http://nas/3.flac</res>
  <res protocolInfo="http-get:*:audio/mpeg:*">http://nas/3.mp3</res>
</item></DIDL-Lite>`
	md, err := Extract(fragment)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	want := Metadata{
		Title:       "Teardrop",
		Artist:      "Massive Attack",
		Genre:       "Trip Hop",
		Album:       "Mezzanine",
		TrackNumber: "3",
		Class:       "object.item.audioItem.musicTrack",
		URL:         "http://nas/3.flac",
	}
	if md != want {
		t.Fatalf("got %+v want %+v", md, want)
	}
}

func TestExtractMalformedKeepsPartial(t *testing.T) {
	md, err := Extract(`<DIDL-Lite><item><dc:title>Half</dc:title><upnp:artist>Cut`)
	var merr *MalformedMetadataError
	if !errors.As(err, &merr) {
		t.Fatalf("expected malformed metadata error, got %v", err)
	}
	if md.Title != "Half" {
		t.Fatalf("partial title lost: %+v", md)
	}
}

func TestExtractNotImplemented(t *testing.T) {
	for _, fragment := range []string{"", "  ", "NOT_IMPLEMENTED"} {
		md, err := Extract(fragment)
		if err != nil || md != (Metadata{}) {
			t.Fatalf("Extract(%q) = %+v, %v", fragment, md, err)
		}
	}
}

func TestBuildDefaultContentType(t *testing.T) {
	out := Build(Item{URL: "http://x/a.mp3"})
	if !strings.Contains(out, `<res protocolInfo="http-get:*:video/mpeg:*">http://x/a.mp3</res>`) {
		t.Fatalf("unexpected didl %s", out)
	}
	if !strings.Contains(out, `<dc:title>a.mp3</dc:title>`) {
		t.Fatalf("title not derived from url: %s", out)
	}
	if strings.Contains(out, "CaptionInfo") {
		t.Fatalf("caption info without subtitle: %s", out)
	}
}

func TestBuildWithSubtitle(t *testing.T) {
	out := Build(Item{
		URL:         "http://x/movie.mkv",
		Title:       "Movie & Co",
		Creator:     "Studio",
		ContentType: "video/x-matroska",
		SubtitleURL: "http://x/movie.srt",
	})
	for _, want := range []string{
		`<dc:title>Movie &amp; Co</dc:title>`,
		`<dc:creator>Studio</dc:creator>`,
		`<res protocolInfo="http-get:*:video/x-matroska:*">http://x/movie.mkv</res>`,
		`<res protocolInfo="http-get:*:text/srt:*">http://x/movie.srt</res>`,
		`<sec:CaptionInfoEx sec:type="srt">http://x/movie.srt</sec:CaptionInfoEx>`,
		`<sec:CaptionInfo sec:type="srt">http://x/movie.srt</sec:CaptionInfo>`,
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %s in %s", want, out)
		}
	}
}

func TestBuildRoundTrip(t *testing.T) {
	out := Build(Item{URL: "http://x/song.ogg", Title: "Song", Creator: "Band", ContentType: "audio/ogg"})
	md, err := Extract(out)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if md.Title != "Song" || md.Artist != "Band" || md.URL != "http://x/song.ogg" || md.Class != "object.item.audioItem.musicTrack" {
		t.Fatalf("unexpected metadata %+v", md)
	}
}
