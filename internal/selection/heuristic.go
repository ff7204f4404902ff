package selection

import (
	"net/url"
	"regexp"
	"sort"
	"strings"
)

const (
	rootScore       = 100
	lowValuePenalty = 60
	depthPenalty    = 3
)

// keywordScores ranks canonical page types found in any path segment.
var keywordScores = []struct {
	keyword string
	score   int
}{
	{"about", 50},
	{"contact", 48},
	{"services", 46},
	{"service", 45},
	{"products", 44},
	{"product", 43},
	{"pricing", 42},
	{"plans", 40},
	{"solutions", 38},
	{"features", 36},
	{"team", 30},
	{"careers", 26},
	{"blog", 25},
	{"news", 22},
	{"faq", 22},
	{"support", 20},
	{"help", 18},
	{"privacy", 15},
	{"terms", 15},
	{"legal", 12},
}

var (
	lowValueSegments = []string{"login", "logout", "signin", "signup", "register", "search", "cart", "checkout", "account", "wp-admin", "tag", "feed"}
	paginationPath   = regexp.MustCompile(`/page/\d+`)
	lowValueParams   = []string{"page", "p", "s", "q", "query", "search", "session", "sessionid", "sid", "phpsessid", "token"}
)

// Heuristic ranks urls by page-type keywords and returns at most topN.
// Ties keep the input order, so the result is a pure function of its arguments.
func Heuristic(urls []string, topN int) []string {
	type scored struct {
		url   string
		score int
		index int
	}
	items := make([]scored, 0, len(urls))
	for i, u := range urls {
		items = append(items, scored{url: u, score: Score(u), index: i})
	}
	sort.SliceStable(items, func(a, b int) bool {
		if items[a].score != items[b].score {
			return items[a].score > items[b].score
		}
		return items[a].index < items[b].index
	})
	if topN > len(items) {
		topN = len(items)
	}
	out := make([]string, topN)
	for i := range out {
		out[i] = items[i].url
	}
	return out
}

// Score is the heuristic priority of one URL. Unparseable URLs score lowest.
func Score(raw string) int {
	u, err := url.Parse(raw)
	if err != nil {
		return -lowValuePenalty * 2
	}
	path := strings.ToLower(strings.Trim(u.Path, "/"))
	score := 0
	var segments []string
	if path == "" {
		score = rootScore
	} else {
		segments = strings.Split(path, "/")
		for _, kw := range keywordScores {
			if containsKeyword(segments, kw.keyword) && kw.score > score {
				score = kw.score
			}
		}
		score -= depthPenalty * (len(segments) - 1)
	}
	if isLowValue(u, segments) {
		score -= lowValuePenalty
	}
	return score
}

func containsKeyword(segments []string, keyword string) bool {
	for _, seg := range segments {
		for _, word := range strings.FieldsFunc(seg, func(r rune) bool { return r == '-' || r == '_' || r == '.' }) {
			if word == keyword {
				return true
			}
		}
	}
	return false
}

func isLowValue(u *url.URL, segments []string) bool {
	if paginationPath.MatchString(strings.ToLower(u.Path)) {
		return true
	}
	for _, seg := range segments {
		for _, bad := range lowValueSegments {
			if seg == bad {
				return true
			}
		}
	}
	q := u.Query()
	for _, key := range lowValueParams {
		if q.Has(key) {
			return true
		}
	}
	return false
}
