package geo

import "strings"

// RequiresUserGesture reports whether the browser behind userAgent only honours
// geolocation requests made from a direct user action. WebKit on iOS is the known case.
// The acquisition path does not consult this; callers use it to decide whether to
// request a fix on page load or wait for a tap.
func RequiresUserGesture(userAgent string) bool {
	ua := strings.ToLower(userAgent)
	if ua == "" {
		return false
	}

	// Every iOS browser is WebKit underneath
	for _, device := range []string{"iphone", "ipad", "ipod"} {
		if strings.Contains(ua, device) {
			return true
		}
	}

	// iPadOS requests the desktop site but keeps the Mobile token
	if strings.Contains(ua, "macintosh") && strings.Contains(ua, "mobile") {
		return true
	}

	// Desktop Safari; Chromium based browsers also carry the Safari token
	if strings.Contains(ua, "safari") &&
		!strings.Contains(ua, "chrome") &&
		!strings.Contains(ua, "chromium") &&
		!strings.Contains(ua, "android") {
		return true
	}
	return false
}
