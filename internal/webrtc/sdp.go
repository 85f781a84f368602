package webrtc

import (
	"fmt"
	"strings"

	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v4"
)

// MediaKinds lists the media sections (audio, video, application) of desc
// in order. It fails on descriptions that do not parse.
func MediaKinds(desc webrtc.SessionDescription) ([]string, error) {
	var parsed sdp.SessionDescription
	if err := parsed.Unmarshal([]byte(desc.SDP)); err != nil {
		return nil, fmt.Errorf("parse %s sdp: %w", desc.Type, err)
	}

	kinds := make([]string, 0, len(parsed.MediaDescriptions))
	for _, m := range parsed.MediaDescriptions {
		kinds = append(kinds, m.MediaName.Media)
	}
	return kinds, nil
}

// Describe summarises desc for logs, e.g. "offer [audio video]".
func Describe(desc webrtc.SessionDescription) string {
	kinds, err := MediaKinds(desc)
	if err != nil {
		return desc.Type.String() + " [unparsable]"
	}
	return fmt.Sprintf("%s [%s]", desc.Type, strings.Join(kinds, " "))
}
