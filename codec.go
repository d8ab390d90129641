package video_library

import "strings"

// CodecFamily normalises the many spellings of a codec (ffprobe names, RFC 6381 "codecs" strings, provider labels)
// to a single family name, e.g. "avc1.640028" -> "h264". Unknown codecs are returned lower-cased and unchanged.
func CodecFamily(codec string) string {
	c := strings.ToLower(strings.TrimSpace(codec))
	if i := strings.IndexByte(c, '.'); i >= 0 {
		c = c[:i]
	}
	switch c {
	case "avc", "avc1", "avc3", "h264", "libx264":
		return "h264"
	case "hev1", "hvc1", "hevc", "h265", "libx265":
		return "hevc"
	case "vp09", "vp9", "libvpx-vp9":
		return "vp9"
	case "vp08", "vp8", "libvpx":
		return "vp8"
	case "av01", "av1", "libaom-av1":
		return "av1"
	case "mp4a", "aac":
		return "aac"
	case "mp3", "mpga":
		return "mp3"
	case "opus", "libopus":
		return "opus"
	case "vorbis", "libvorbis":
		return "vorbis"
	}
	return c
}

// ParseCodecs splits a MIME type's codecs parameter, e.g. `video/mp4; codecs="avc1.42001E, mp4a.40.2"`, into the
// video and audio codec families. Either may be empty.
func ParseCodecs(mimeType string) (video string, audio string) {
	kind := strings.SplitN(strings.TrimSpace(mimeType), "/", 2)[0]
	i := strings.Index(mimeType, "codecs=")
	if i < 0 {
		return "", ""
	}
	list := strings.Trim(mimeType[i+len("codecs="):], `"' `)
	for _, part := range strings.Split(list, ",") {
		family := CodecFamily(strings.Trim(part, `"' `))
		if family == "" {
			continue
		}
		if isAudioCodec(family) || kind == "audio" {
			if audio == "" {
				audio = family
			}
		} else if video == "" {
			video = family
		}
	}
	return video, audio
}

func isAudioCodec(family string) bool {
	switch family {
	case "aac", "mp3", "opus", "vorbis", "flac", "ac-3", "ec-3":
		return true
	}
	return false
}
