package playlist

import (
	"strconv"
	"strings"
	"unicode/utf8"
)

// Parse decodes playlist text into tags.
//
// Parsing is lenient: unknown tags, tags missing a required value and tags
// whose numbers do not parse are dropped rather than reported. Parse only
// fails when data is not UTF-8 text or when no tag could be recognised.
func Parse(data []byte) (*Playlist, error) {
	if !utf8.Valid(data) {
		return nil, ErrInvalidData
	}

	text := strings.ReplaceAll(string(data), "\r\n", "\n")
	// Some encoders leave a trailing comma on every tag line.
	text = strings.ReplaceAll(text, ",\n", "\n")
	lines := strings.Split(text, "\n")

	var tags []Tag
	for i := 0; i < len(lines); i++ {
		line := strings.TrimSpace(lines[i])
		if !strings.HasPrefix(line, "#") {
			continue
		}

		var contents []string
		for i+1 < len(lines) && !strings.HasPrefix(strings.TrimSpace(lines[i+1]), "#") {
			i++
			contents = append(contents, lines[i])
		}

		if t, ok := parseTag(line[1:], strings.TrimSpace(strings.Join(contents, "\n"))); ok {
			tags = append(tags, t)
		}
	}

	if len(tags) == 0 {
		return nil, ErrNoTags
	}
	return &Playlist{Tags: tags}, nil
}

// parseTag builds a tag from a directive (without the leading '#') and the
// contents line that follows it, which is empty when absent.
func parseTag(directive, contents string) (Tag, bool) {
	name, param, _ := strings.Cut(directive, ":")

	switch name {
	case "EXTM3U":
		return Header{}, true
	case "EXT-X-STREAM-INF":
		if contents == "" {
			return nil, false
		}
		return StreamInf{Info: newStreamInfo(parseAttributes(param)), URI: contents}, true
	case "EXT-X-VERSION":
		n, err := parseInt(param)
		return Version(n), err == nil
	case "EXT-X-MEDIA-SEQUENCE":
		n, err := parseInt(param)
		return MediaSequence(n), err == nil
	case "EXT-X-TARGETDURATION":
		n, err := parseInt(param)
		return TargetDuration(n), err == nil
	case "EXT-X-DISCONTINUITY-SEQUENCE":
		n, err := parseInt(param)
		return DiscontinuitySequence(n), err == nil
	case "EXT-X-KEY":
		return newKey(parseAttributes(param)), true
	case "EXTINF":
		if contents == "" {
			return nil, false
		}
		// The title after the comma is not kept.
		d, _, _ := strings.Cut(param, ",")
		duration, err := strconv.ParseFloat(strings.TrimSpace(d), 64)
		if err != nil {
			return nil, false
		}
		return Segment{Duration: duration, URI: contents}, true
	case "EXT-X-ENDLIST":
		return EndList{}, true
	case "EXT-X-DISCONTINUITY":
		return Discontinuity{}, true
	case "EXT-X-PLAYLIST-TYPE":
		return newPlaylistType(param), true
	default:
		return nil, false
	}
}

func parseInt(s string) (int, error) {
	return strconv.Atoi(strings.TrimSpace(s))
}

// parseAttributes splits an attribute list such as
// BANDWIDTH=1280000,CODECS="avc1.4d401f,mp4a.40.2" into its pairs.
// Quoted values may contain commas. Pairs with an empty key or value are skipped.
func parseAttributes(s string) map[string]string {
	attrs := make(map[string]string)
	for s != "" {
		key, rest, ok := strings.Cut(s, "=")
		if !ok {
			break
		}

		var value string
		if strings.HasPrefix(rest, `"`) {
			value, rest, _ = strings.Cut(rest[1:], `"`)
			_, rest, _ = strings.Cut(rest, ",")
		} else {
			value, rest, _ = strings.Cut(rest, ",")
		}
		s = rest

		key = strings.TrimSpace(key)
		if key != "" && value != "" {
			attrs[key] = value
		}
	}
	return attrs
}
