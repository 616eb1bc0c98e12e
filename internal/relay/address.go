package relay

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/text/width"
)

// PushConfig names the fixed remote endpoints the encoder pushes to. The zero
// value is unusable; DefaultPushConfig supplies the production endpoints.
type PushConfig struct {
	SRTHost  string
	SRTPort  int
	RTMPHost string
	RTMPApp  string
}

// DefaultPushConfig returns the stock push endpoints.
func DefaultPushConfig() PushConfig {
	return PushConfig{
		SRTHost:  "6721.livepush.myqcloud.com",
		SRTPort:  9000,
		RTMPHost: "qqgroup.6721.livepush.ilive.qq.com",
		RTMPApp:  "trtc_1400526639",
	}
}

var srtCredentialReplacer = strings.NewReplacer("&", ",", "?", ",")

// PushAddress computes the encoder's push address and container format for the
// descriptor's transport. SRT credentials have `&` and `?` replaced with `,`
// because the streamid grammar reserves them; RTMP credentials are embedded
// verbatim.
func PushAddress(d Descriptor, cfg PushConfig) (address, format string) {
	if d.Transport == TransportSRT {
		key := srtCredentialReplacer.Replace(d.Credential)
		address = fmt.Sprintf("srt://%s:%d?streamid=#!::h=%s,r=live/%s", cfg.SRTHost, cfg.SRTPort, cfg.SRTHost, key)
		return address, "mpegts"
	}
	address = fmt.Sprintf("rtmp://%s/%s/%s", cfg.RTMPHost, cfg.RTMPApp, d.Credential)
	return address, "flv"
}

// fullWidthSolidus is the filesystem-safe replacement for "/" in titles.
var fullWidthSolidus = width.Widen.String("/")

// SanitizeTitle makes a resolved title safe for use as a path component.
func SanitizeTitle(title string) string {
	return strings.ReplaceAll(title, "/", fullWidthSolidus)
}

// FallbackTitle formats the current time as the session title used when page
// metadata is unavailable.
func FallbackTitle(now time.Time) string {
	return now.UTC().Format("2006-01-02 15:04:05")
}

// RecordPath joins the configured recording root with the templated subpath
// handed to the puller. The {plugin} and {time} placeholders are expanded by
// the puller itself, not by us.
func RecordPath(root, title string) string {
	return filepath.Join(root, "{plugin}", title, "{time}.ts")
}
