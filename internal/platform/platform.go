// Copyright 2025 James Ross
package platform

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/flyingrobots/media-convert-orchestrator/internal/jobstore"
)

// ErrInvalidURL is returned when a submitted URL is not a well-formed,
// http(s) URL with a recognizable host.
var ErrInvalidURL = fmt.Errorf("invalid url")

// hostMatchers maps a platform to the host substrings that identify it.
var hostMatchers = map[jobstore.Platform][]string{
	jobstore.PlatformYouTube:   {"youtube.com", "youtu.be"},
	jobstore.PlatformTikTok:    {"tiktok.com"},
	jobstore.PlatformTwitter:   {"twitter.com", "x.com"},
	jobstore.PlatformFacebook:  {"facebook.com", "fb.watch"},
	jobstore.PlatformInstagram: {"instagram.com"},
}

// qualityOptions enumerates the valid quality tokens per format: kbps
// bitrates for mp3, vertical resolutions for mp4.
var qualityOptions = map[jobstore.Format][]string{
	jobstore.FormatMP3: {"128", "192", "320"},
	jobstore.FormatMP4: {"360", "720", "1080"},
}

// Detect normalizes a submitted URL and classifies its platform. An
// unrecognized but well-formed http(s) URL is classified "other", not
// rejected — platform detection informs processor routing hints, it is
// not itself an admission gate.
func Detect(raw string) (platform jobstore.Platform, normalized string, err error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", "", ErrInvalidURL
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", "", ErrInvalidURL
	}

	host := strings.ToLower(u.Host)
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = host
	u.Fragment = ""

	for p, hosts := range hostMatchers {
		for _, h := range hosts {
			if strings.Contains(host, h) {
				return p, u.String(), nil
			}
		}
	}
	return jobstore.PlatformOther, u.String(), nil
}

// VideoID extracts the platform-native video identifier from a normalized
// URL, best effort: the v query parameter for youtube.com watch links,
// otherwise the last non-empty path segment. An empty string means no
// identifier could be derived; validation responses simply omit the field.
func VideoID(p jobstore.Platform, normalized string) string {
	u, err := url.Parse(normalized)
	if err != nil {
		return ""
	}
	if p == jobstore.PlatformYouTube {
		if v := u.Query().Get("v"); v != "" {
			return v
		}
	}
	path := strings.Trim(u.Path, "/")
	if path == "" {
		return ""
	}
	segs := strings.Split(path, "/")
	return segs[len(segs)-1]
}

// ValidQuality reports whether quality is a supported option for format.
func ValidQuality(format jobstore.Format, quality string) bool {
	for _, q := range qualityOptions[format] {
		if q == quality {
			return true
		}
	}
	return false
}

// ValidFormat reports whether format is one of the supported output
// containers.
func ValidFormat(format jobstore.Format) bool {
	_, ok := qualityOptions[format]
	return ok
}

// FormatOption describes one supported output format and its quality
// choices, the shape returned by GET /platforms.
type FormatOption struct {
	Format   jobstore.Format `json:"format"`
	Quality  []string        `json:"quality_options"`
}

// PlatformOption describes one supported platform and the formats it can
// be converted to, the response shape for GET /platforms.
type PlatformOption struct {
	Platform jobstore.Platform `json:"platform"`
	Formats  []FormatOption    `json:"formats"`
}

// SupportedPlatforms lists every platform + format/quality combination the
// service accepts, served by GET /platforms.
func SupportedPlatforms() []PlatformOption {
	formats := []FormatOption{
		{Format: jobstore.FormatMP3, Quality: qualityOptions[jobstore.FormatMP3]},
		{Format: jobstore.FormatMP4, Quality: qualityOptions[jobstore.FormatMP4]},
	}
	platforms := []jobstore.Platform{
		jobstore.PlatformYouTube, jobstore.PlatformTikTok, jobstore.PlatformTwitter,
		jobstore.PlatformFacebook, jobstore.PlatformInstagram, jobstore.PlatformOther,
	}
	out := make([]PlatformOption, 0, len(platforms))
	for _, p := range platforms {
		out = append(out, PlatformOption{Platform: p, Formats: formats})
	}
	return out
}
