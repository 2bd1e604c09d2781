// Package subscribe implements the subscription manager: the refresher,
// main-publisher, and per-frequency-publisher long-lived tasks,
// scheduled with go-co-op/gocron/v2.
package subscribe

import "encoding/json"

// Subscription is one entry of the subscription list fetched from the
// subscriptions endpoint.
type Subscription struct {
	ID         string
	Frequency  int64
	Expression string
}

type subscriptionWire struct {
	ID         string `json:"id"`
	Frequency  int64  `json:"frequency"`
	Expression string `json:"expression"`
}

type subscriptionsWire struct {
	Expressions []subscriptionWire `json:"expressions"`
}

// ParseSubscriptions decodes the `{"expressions": [...]}` wire shape,
// skipping malformed entries rather than failing the whole refresh.
func ParseSubscriptions(body []byte) ([]Subscription, error) {
	var wire subscriptionsWire
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, err
	}
	subs := make([]Subscription, 0, len(wire.Expressions))
	for _, e := range wire.Expressions {
		if e.ID == "" {
			continue
		}
		subs = append(subs, Subscription{ID: e.ID, Frequency: e.Frequency, Expression: e.Expression})
	}
	return subs, nil
}

// intervals returns the distinct set of frequencies named by subs.
func intervals(subs []Subscription) []int64 {
	seen := map[int64]bool{}
	var out []int64
	for _, s := range subs {
		if !seen[s.Frequency] {
			seen[s.Frequency] = true
			out = append(out, s.Frequency)
		}
	}
	return out
}

func byFrequency(subs []Subscription, frequency int64) []Subscription {
	var out []Subscription
	for _, s := range subs {
		if s.Frequency == frequency {
			out = append(out, s)
		}
	}
	return out
}
