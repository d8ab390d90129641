package util

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/alanbriolat/video-library/generic"
)

var (
	ErrNoFilename = errors.New("cannot extract valid filename")
	ErrInvalidURL = errors.New("invalid URL")
)

var sourceSchemes = generic.NewSet("http", "https")

// ParseSourceURL checks that s is syntactically an absolute http(s) URL with a host. It does not check that anything
// can be downloaded from it.
func ParseSourceURL(s string) (*url.URL, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("%w: empty string", ErrInvalidURL)
	}
	parsed, err := url.Parse(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if !sourceSchemes.Contains(strings.ToLower(parsed.Scheme)) {
		return nil, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidURL, parsed.Scheme)
	}
	if parsed.Hostname() == "" {
		return nil, fmt.Errorf("%w: missing host", ErrInvalidURL)
	}
	return parsed, nil
}

func FilenameFromURL(url *url.URL) (string, error) {
	if url == nil {
		return "", ErrNoFilename
	}
	path := strings.Trim(url.Path, "/")
	if path == "" {
		return "", ErrNoFilename
	}
	pathElements := strings.Split(path, "/")
	filename := pathElements[len(pathElements)-1]
	// Don't allow "filenames" that are just ".", "..", etc.
	if strings.ReplaceAll(filename, ".", "") == "" {
		return "", ErrNoFilename
	}
	return filename, nil
}

var platformHosts = map[string]string{
	"youtube.com":   "youtube",
	"youtu.be":      "youtube",
	"vimeo.com":     "vimeo",
	"twitter.com":   "twitter",
	"x.com":         "twitter",
	"instagram.com": "instagram",
	"tiktok.com":    "tiktok",
	"reddit.com":    "reddit",
	"twitch.tv":     "twitch",
}

// DetectPlatform names the platform a URL belongs to, by host suffix, or "generic".
func DetectPlatform(u *url.URL) string {
	host := strings.ToLower(u.Hostname())
	for {
		if platform, ok := platformHosts[host]; ok {
			return platform
		}
		i := strings.IndexByte(host, '.')
		if i < 0 || !strings.Contains(host[i+1:], ".") {
			return "generic"
		}
		host = host[i+1:]
	}
}

var (
	unsafeFilenameChars = regexp.MustCompile(`[<>:"/\\|?*\x00-\x1f]`)
	repeatedSpace       = regexp.MustCompile(`\s+`)
)

// SanitizeFilename makes s safe to use as a single path component, truncated to at most maxBytes.
func SanitizeFilename(s string, maxBytes int) string {
	s = unsafeFilenameChars.ReplaceAllString(s, "")
	s = repeatedSpace.ReplaceAllString(s, " ")
	s = strings.Trim(s, " .")
	for len(s) > maxBytes {
		_, size := utf8.DecodeLastRuneInString(s)
		s = s[:len(s)-size]
	}
	s = strings.Trim(s, " .")
	if s == "" {
		return "_"
	}
	return s
}
