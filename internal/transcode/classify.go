package transcode

import (
	"strings"

	"github.com/visiona/argus/internal/types"
)

// Classify analyzes captured ffmpeg stderr output and categorizes the
// failure. This distinguishes, in status and telemetry, failures a retry
// may fix (network) from ones it will not (auth, codec).
//
// ffmpeg reports errors as free text, so classification is keyword
// matching on the combined output, most specific category first.
func Classify(stderr string) types.FailureCategory {
	if stderr == "" {
		return types.FailureUnknown
	}
	out := strings.ToLower(stderr)

	if containsAny(out, authKeywords) {
		return types.FailureAuth
	}
	if containsAny(out, codecKeywords) {
		return types.FailureCodec
	}
	if containsAny(out, networkKeywords) {
		return types.FailureNetwork
	}
	return types.FailureUnknown
}

var authKeywords = []string{
	"401",
	"unauthorized",
	"403",
	"forbidden",
	"authentication",
	"authorization failed",
	"wrong password",
}

var networkKeywords = []string{
	"connection refused",
	"connection timed out",
	"connection reset",
	"no route to host",
	"network is unreachable",
	"host is unreachable",
	"name or service not known",
	"could not resolve",
	"operation timed out",
	"timeout",
	"end of file",
	"broken pipe",
	"failed to resolve hostname",
}

var codecKeywords = []string{
	"invalid data found",
	"could not find codec parameters",
	"no decoder",
	"decoder not found",
	"unsupported codec",
	"moov atom not found",
	"non-monotonous dts",
	"error while decoding",
}

func containsAny(s string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(s, kw) {
			return true
		}
	}
	return false
}
