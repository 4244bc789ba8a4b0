package stream

import (
	"fmt"
	"net/url"
	"sort"
	"strings"

	"streamhub/internal/core"
)

// Deps are the parameters that distinguish one logical upstream stream.
type Deps struct {
	Path      string
	Symbols   []string
	AccountID string
	Paper     bool
}

// MakeKey builds the deterministic subscription key for (user, deps). Two
// requests with the same key share one upstream; different keys never share.
func MakeKey(user core.UserID, deps Deps) string {
	symbols := append([]string(nil), deps.Symbols...)
	sort.Strings(symbols)
	return fmt.Sprintf("%d|%s|%s|%s|%t",
		user, deps.Path, deps.AccountID, strings.Join(symbols, ","), deps.Paper)
}

// Query renders the deps as upstream query parameters.
func (d Deps) Query() url.Values {
	q := url.Values{}
	if len(d.Symbols) > 0 {
		symbols := append([]string(nil), d.Symbols...)
		sort.Strings(symbols)
		q.Set("symbols", strings.Join(symbols, ","))
	}
	if d.AccountID != "" {
		q.Set("accountId", d.AccountID)
	}
	if d.Paper {
		q.Set("paper", "true")
	}
	return q
}
