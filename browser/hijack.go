package browser

import (
	"net/url"
	"strings"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
)

// trackerDomains are ad and tracking hosts aborted when ad blocking is on.
// Images, fonts and stylesheets are never blocked: they are part of the
// evidence being photographed.
var trackerDomains = map[string]struct{}{}

func init() {
	for _, d := range []string{
		"doubleclick.net", "googlesyndication.com", "googleadservices.com",
		"google-analytics.com", "googletagmanager.com", "googletagservices.com",
		"connect.facebook.net", "adnxs.com", "adsrvr.org", "amazon-adsystem.com",
		"criteo.com", "criteo.net", "outbrain.com", "taboola.com", "moatads.com",
		"pubmatic.com", "rubiconproject.com", "scorecardresearch.com",
		"quantserve.com", "hotjar.com", "mixpanel.com", "segment.io",
		"ads-twitter.com", "chartbeat.com", "optimizely.com", "openx.net",
		"casalemedia.com", "demdex.net", "krxd.net", "bluekai.com",
		"serving-sys.com", "sharethis.com", "addthis.com", "sentry.io",
	} {
		trackerDomains[d] = struct{}{}
	}
}

// isTrackerHost checks a hostname and each of its parent domains.
func isTrackerHost(host string) bool {
	host = strings.ToLower(host)
	for host != "" {
		if _, ok := trackerDomains[host]; ok {
			return true
		}
		idx := strings.IndexByte(host, '.')
		if idx < 0 {
			break
		}
		host = host[idx+1:]
	}
	return false
}

// setupHijack installs a request interceptor that fails tracker requests.
// Returns nil when blocking is disabled; otherwise the caller must Stop the
// router.
func setupHijack(page *rod.Page, blockAds bool) *rod.HijackRouter {
	if !blockAds {
		return nil
	}

	router := page.HijackRequests()
	_ = router.Add("*", "", func(ctx *rod.Hijack) {
		if u, err := url.Parse(ctx.Request.URL().String()); err == nil && isTrackerHost(u.Hostname()) {
			ctx.Response.Fail(proto.NetworkErrorReasonBlockedByClient)
			return
		}
		ctx.ContinueRequest(&proto.FetchContinueRequest{})
	})

	// Run blocks until Stop.
	go router.Run()

	return router
}
