package video_library

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"text/template"

	"github.com/alanbriolat/video-library/util"
)

const DefaultLayoutPattern = "{{.Platform}}/{{.Uploader}}/{{.Title}} [{{.VideoID}}].{{.Ext}}"

const maxComponentBytes = 200

var ErrLayoutEscape = errors.New("layout path escapes the library directory")

// LayoutArgs are the fields available to a library layout template. Values are sanitised before substitution, so
// each one stays within a single path component.
type LayoutArgs struct {
	Platform string
	Uploader string
	Title    string
	VideoID  string
	Ext      string
	RecordID string
}

// A LibraryLayout maps committed media to a path relative to the library directory.
type LibraryLayout struct {
	tmpl *template.Template
}

func NewLibraryLayout(pattern string) (*LibraryLayout, error) {
	if pattern == "" {
		pattern = DefaultLayoutPattern
	}
	tmpl, err := template.New("layout").Option("missingkey=error").Parse(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid layout pattern: %w", err)
	}
	return &LibraryLayout{tmpl: tmpl}, nil
}

func MustLibraryLayout(pattern string) *LibraryLayout {
	l, err := NewLibraryLayout(pattern)
	if err != nil {
		panic(err)
	}
	return l
}

// Path renders the relative path for args, always using forward slashes from the template as separators.
func (l *LibraryLayout) Path(args LayoutArgs) (string, error) {
	clean := LayoutArgs{
		Platform: util.SanitizeFilename(orDefault(args.Platform, "generic"), maxComponentBytes),
		Uploader: util.SanitizeFilename(orDefault(args.Uploader, "unknown"), maxComponentBytes),
		Title:    util.SanitizeFilename(orDefault(args.Title, "untitled"), maxComponentBytes),
		VideoID:  util.SanitizeFilename(orDefault(args.VideoID, args.RecordID), maxComponentBytes),
		Ext:      util.SanitizeFilename(strings.TrimPrefix(orDefault(args.Ext, "mp4"), "."), 16),
		RecordID: util.SanitizeFilename(args.RecordID, maxComponentBytes),
	}
	var builder strings.Builder
	if err := l.tmpl.Execute(&builder, &clean); err != nil {
		return "", err
	}
	rel := filepath.Clean(filepath.FromSlash(builder.String()))
	if filepath.IsAbs(rel) || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q", ErrLayoutEscape, rel)
	}
	return rel, nil
}

func orDefault(s string, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}
