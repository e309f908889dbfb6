package routing

import (
	"fmt"
	"strconv"
)

// PrefixLength returns the width of session prefixes for clientCount: the
// number of hexadecimal digits of clientCount.
func PrefixLength(clientCount int) int {
	if clientCount < 0 {
		clientCount = 0
	}
	return len(strconv.FormatInt(int64(clientCount), 16))
}

// Prefixer assigns search-session prefixes round-robin over the client
// workers. It is owned by one coordinator and not safe for concurrent use.
type Prefixer struct {
	counter int
}

// Next advances the counter modulo max(1, clientCount) and renders it as
// an upper-case hexadecimal string of width PrefixLength(clientCount).
func (p *Prefixer) Next(clientCount int) string {
	p.counter = (p.counter + 1) % max(1, clientCount)
	return fmt.Sprintf("%0*X", PrefixLength(clientCount), p.counter)
}

// ExtractPrefix returns the leading length characters of a subscription
// id. Ids not longer than length carry no session part or were issued with
// another width, and are rejected.
func ExtractPrefix(subscriptionID string, length int) (string, bool) {
	if len(subscriptionID) <= length {
		return "", false
	}
	return subscriptionID[:length], true
}
