package logging

import (
	"fmt"
	"regexp"
	"strings"
)

var (
	rePassword = regexp.MustCompile(`(?i)(password=)([^\s;&]+)`)
	reToken    = regexp.MustCompile(`(?i)(token=|bearer\s+)([A-Za-z0-9._-]+)`)
	reAPIKey   = regexp.MustCompile(`(?i)(apikey=|api_key=|key=)([^\s;&]+)`)
	reKeyLike  = regexp.MustCompile(`\b(sk-(?:ant-|proj-)?)[A-Za-z0-9_-]{8,}`)
	reGoogle   = regexp.MustCompile(`\bAIza[0-9A-Za-z_-]{20,}`)
)

// Mask replaces secrets in s with "***": key=value pairs, bearer tokens and
// strings shaped like provider API keys.
func Mask(s string) string {
	out := s
	out = rePassword.ReplaceAllString(out, "$1***")
	out = reToken.ReplaceAllString(out, "$1***")
	out = reAPIKey.ReplaceAllString(out, "$1***")
	out = reKeyLike.ReplaceAllString(out, "$1***")
	out = reGoogle.ReplaceAllString(out, "***")
	return out
}

// MaskSecret masks one known secret anywhere in s, then applies Mask.
func MaskSecret(s, secret string) string {
	if secret != "" {
		s = strings.ReplaceAll(s, secret, "***")
	}
	return Mask(s)
}

// PresentError formats an error for user display with masking.
func PresentError(context string, err error) string {
	if err == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", context, Mask(err.Error()))
}
