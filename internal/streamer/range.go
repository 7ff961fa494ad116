package streamer

import (
	"fmt"
	"strconv"
	"strings"
)

// byteRange is a parsed Range header. End is -1 when the request left it
// open ("bytes=100-").
type byteRange struct {
	Start int64
	End   int64
}

// parseRange parses a single "bytes=start-end" range. Multi-range requests
// and suffix ranges ("bytes=-500") are not used by audio clients we serve,
// so they are rejected as malformed.
func parseRange(header string) (byteRange, error) {
	const prefix = "bytes="
	if !strings.HasPrefix(header, prefix) {
		return byteRange{}, fmt.Errorf("malformed range %q", header)
	}

	spec := strings.TrimPrefix(header, prefix)
	if strings.Contains(spec, ",") {
		return byteRange{}, fmt.Errorf("multi-range not supported: %q", header)
	}

	startStr, endStr, ok := strings.Cut(spec, "-")
	if !ok || startStr == "" {
		return byteRange{}, fmt.Errorf("malformed range %q", header)
	}

	start, err := strconv.ParseInt(startStr, 10, 64)
	if err != nil || start < 0 {
		return byteRange{}, fmt.Errorf("malformed range start %q", header)
	}

	end := int64(-1)
	if endStr != "" {
		end, err = strconv.ParseInt(endStr, 10, 64)
		if err != nil || end < start {
			return byteRange{}, fmt.Errorf("malformed range end %q", header)
		}
	}

	return byteRange{Start: start, End: end}, nil
}
