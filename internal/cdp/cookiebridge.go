package cdp

import (
	"context"
	"sort"
	"strings"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/target"
	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/shaun0927/browserparallel/internal/config"
	"github.com/shaun0927/browserparallel/internal/corelog"
)

// excludedPrefixes and excludedPathHints implement spec.md §4.9's
// candidate filter: internal browser pages, blank tabs, and auth
// pages are never a legitimate cookie source.
var excludedPrefixes = []string{"chrome://", "chrome-extension://", "about:blank"}
var excludedPathHints = []string{"/login", "/signin", "/auth"}

// cookieBridge implements spec.md §4.9: when a fresh page is created
// in the default browser context it inherits cookies from whichever
// existing target already holds an authenticated session for a
// matching domain, instead of starting logged out.
type cookieBridge struct {
	cfg config.Config
	log *logrus.Entry
	c   *Client

	// sourceCache maps a registrable domain to the target last found
	// to hold cookies for it, so repeat bridges skip re-enumeration.
	sourceCache *lru.LRU[string, target.ID]
	// dataCache caches the cookie set most recently copied from a
	// given target, keyed by target id.
	dataCache *lru.LRU[target.ID, []network.Cookie]

	inflight singleflight.Group
}

func newCookieBridge(cfg config.Config, c *Client) *cookieBridge {
	return &cookieBridge{
		cfg:         cfg,
		log:         corelog.For("cookie-bridge"),
		c:           c,
		sourceCache: lru.NewLRU[string, target.ID](256, nil, cfg.CookieCacheTTL),
		dataCache:   lru.NewLRU[target.ID, []network.Cookie](256, nil, cfg.CookieCacheTTL),
	}
}

// purgeTarget drops every cache entry pointing at a destroyed target
// (spec.md §4.9 "purge on target destroyed").
func (b *cookieBridge) purgeTarget(id target.ID) {
	b.dataCache.Remove(id)
	for _, domain := range b.sourceCache.Keys() {
		if src, ok := b.sourceCache.Peek(domain); ok && src == id {
			b.sourceCache.Remove(domain)
		}
	}
}

// invalidateAll clears every cache; called on ForceReconnect since a
// fresh connection can no longer trust prior target bookkeeping.
func (b *cookieBridge) invalidateAll() {
	for _, k := range b.sourceCache.Keys() {
		b.sourceCache.Remove(k)
	}
	for _, k := range b.dataCache.Keys() {
		b.dataCache.Remove(k)
	}
}

// candidate is a page target scored as a possible cookie source.
type candidate struct {
	id    target.ID
	url   string
	score int
}

// findAuthenticatedTarget implements spec.md §4.9's operation of the
// same name: enumerate live page targets, filter out non-candidates,
// score the rest by domain match against domain (best-effort if
// domain is empty), and probe each in priority order until one yields
// at least one cookie. Concurrent probes for the same domain coalesce.
func (b *cookieBridge) findAuthenticatedTarget(ctx context.Context, domain string) (target.ID, bool) {
	key := domain
	if key == "" {
		key = "*"
	}

	v, err, _ := b.inflight.Do(key, func() (any, error) {
		return b.probeForSource(ctx, domain)
	})
	if err != nil {
		b.log.WithError(err).WithField("domain", domain).Debug("authenticated target probe failed")
		return "", false
	}
	id, ok := v.(target.ID)
	return id, ok
}

func (b *cookieBridge) probeForSource(ctx context.Context, domain string) (target.ID, error) {
	if cached, ok := b.sourceCache.Get(domain); domain != "" && ok {
		return cached, nil
	}

	var ret target.GetTargetsReturns
	if err := b.c.Send(ctx, "", "Target.getTargets", &target.GetTargetsParams{}, &ret); err != nil {
		return "", err
	}

	candidates := filterAndScoreCandidates(ret.TargetInfos, domain)
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].score > candidates[j].score })

	for _, cand := range candidates {
		if cand.score == 0 {
			continue
		}
		if _, err := b.c.AttachToTarget(ctx, cand.id); err != nil {
			continue
		}
		var cookies network.GetAllCookiesReturns
		if err := b.c.Send(ctx, cand.id, "Network.getAllCookies", &network.GetAllCookiesParams{}, &cookies); err != nil {
			continue
		}
		if len(cookies.Cookies) == 0 {
			continue
		}
		if domain != "" {
			b.sourceCache.Add(domain, cand.id)
		}
		flat := make([]network.Cookie, len(cookies.Cookies))
		for i, ck := range cookies.Cookies {
			flat[i] = *ck
		}
		b.dataCache.Add(cand.id, flat)
		return cand.id, nil
	}
	return "", errNoAuthenticatedTarget
}

var errNoAuthenticatedTarget = &noSourceError{}

type noSourceError struct{}

func (*noSourceError) Error() string { return "cookiebridge: no authenticated source target found" }

func filterAndScoreCandidates(infos []*target.Info, domain string) []candidate {
	wantLocalhost := domain == "localhost" || domain == "127.0.0.1"
	out := make([]candidate, 0, len(infos))
	for _, info := range infos {
		if info.Type != "page" {
			continue
		}
		if isExcludedURL(info.URL) {
			continue
		}
		host := registrableDomain(info.URL)
		if host == "" {
			continue
		}
		if !wantLocalhost && domain != "" && (host == "localhost" || host == "127.0.0.1") {
			continue
		}
		out = append(out, candidate{id: info.TargetID, url: info.URL, score: domainScore(domain, host)})
	}
	return out
}

func isExcludedURL(url string) bool {
	for _, p := range excludedPrefixes {
		if strings.HasPrefix(url, p) {
			return true
		}
	}
	for _, hint := range excludedPathHints {
		if strings.Contains(url, hint) {
			return true
		}
	}
	return false
}

// copyCookies implements spec.md §4.9's operation of the same name:
// use a fresh cached cookie set for src if available, otherwise fetch
// it, then apply to dst. Best-effort — errors are logged, never
// returned to the page-creation caller.
func (b *cookieBridge) copyCookies(ctx context.Context, src, dst target.ID) {
	cookies, ok := b.dataCache.Get(src)
	if !ok {
		var ret network.GetAllCookiesReturns
		if err := b.c.Send(ctx, src, "Network.getAllCookies", &network.GetAllCookiesParams{}, &ret); err != nil {
			b.log.WithError(err).Debug("cookie source fetch failed")
			return
		}
		cookies = make([]network.Cookie, len(ret.Cookies))
		for i, ck := range ret.Cookies {
			cookies[i] = *ck
		}
		b.dataCache.Add(src, cookies)
	}
	if len(cookies) == 0 {
		return
	}

	params := make([]*network.CookieParam, 0, len(cookies))
	for _, ck := range cookies {
		params = append(params, &network.CookieParam{
			Name:     ck.Name,
			Value:    ck.Value,
			Domain:   ck.Domain,
			Path:     ck.Path,
			Secure:   ck.Secure,
			HTTPOnly: ck.HTTPOnly,
			SameSite: ck.SameSite,
			Expires:  ck.Expires,
		})
	}
	if err := b.c.Send(ctx, dst, "Network.setCookies", &network.SetCookiesParams{Cookies: params}, nil); err != nil {
		b.log.WithError(err).Debug("cookie bridge apply failed")
	}
}

// bridge is the entry point CreatePage calls: find a source for
// domainHint (or any known source if empty) and copy its cookies onto
// dst. Never fails the caller; zero cookies bridged is a valid result.
func (b *cookieBridge) bridge(ctx context.Context, dst target.ID, domainHint string) {
	src, ok := b.findAuthenticatedTarget(ctx, domainHint)
	if !ok || src == dst {
		return
	}
	b.copyCookies(ctx, src, dst)
}

// domainScore implements spec.md §4.9's matching algorithm: an exact
// match scores 100; right-to-left label matches against the
// registrable domain score 50 plus 10 per matching label; sharing only
// one trailing label (the TLD) scores 10; anything else scores 0. An
// empty want treats every candidate as weakly eligible so a lone
// logged-in tab still seeds a brand-new page with no domain hint.
func domainScore(want, have string) int {
	if want == "" {
		return 10
	}
	if want == have {
		return 100
	}
	wantLabels := strings.Split(want, ".")
	haveLabels := strings.Split(have, ".")

	matches := 0
	for i := 1; i <= len(wantLabels) && i <= len(haveLabels); i++ {
		if wantLabels[len(wantLabels)-i] != haveLabels[len(haveLabels)-i] {
			break
		}
		matches++
	}
	if matches >= 2 {
		return 50 + 10*matches
	}
	if matches == 1 {
		return 10
	}
	return 0
}

// registrableDomain extracts a best-effort eTLD+1-ish domain from a
// URL for cache keying and scoring. This is intentionally simple (host
// minus a leading "www."), not a full public-suffix-list resolution.
func registrableDomain(rawURL string) string {
	rest := rawURL
	if idx := strings.Index(rest, "://"); idx >= 0 {
		rest = rest[idx+3:]
	} else {
		return ""
	}
	if idx := strings.IndexAny(rest, "/?#"); idx >= 0 {
		rest = rest[:idx]
	}
	if idx := strings.Index(rest, "@"); idx >= 0 {
		rest = rest[idx+1:]
	}
	if idx := strings.LastIndex(rest, ":"); idx >= 0 {
		rest = rest[:idx]
	}
	rest = strings.TrimPrefix(rest, "www.")
	return rest
}
