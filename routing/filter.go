// Package routing decides where live signals and search-session traffic of
// a connection go.
package routing

import (
	"slices"

	"github.com/raujonas/ditto/connection"
)

// SignalFilter selects the targets of a connection that may receive a
// signal. It is rebuilt whenever the connection changes.
type SignalFilter struct {
	targets []compiledTarget
}

type compiledTarget struct {
	target   connection.Target
	topics   []compiledTopic
	subjects map[string]struct{}
}

type compiledTopic struct {
	topic      connection.Topic
	namespaces map[string]struct{}
	path       *pathMatcher
}

// NewSignalFilter compiles the targets of c. A nil connection yields a
// filter without targets.
func NewSignalFilter(c *connection.Connection) *SignalFilter {
	f := &SignalFilter{}
	if c == nil {
		return f
	}
	for _, t := range c.Targets {
		ct := compiledTarget{
			target:   t,
			subjects: make(map[string]struct{}, len(t.AuthorizationSubjects)),
		}
		for _, s := range t.AuthorizationSubjects {
			ct.subjects[s] = struct{}{}
		}
		for _, ft := range t.Topics {
			tp := compiledTopic{topic: ft.Topic}
			if len(ft.Namespaces) > 0 {
				tp.namespaces = make(map[string]struct{}, len(ft.Namespaces))
				for _, ns := range ft.Namespaces {
					tp.namespaces[ns] = struct{}{}
				}
			}
			if ft.PathFilter != "" {
				tp.path = newPathMatcher(ft.PathFilter)
			}
			ct.topics = append(ct.topics, tp)
		}
		f.targets = append(f.targets, ct)
	}
	return f
}

// Filter returns the targets that subscribe to the signal and whose
// authorization subjects may read it, in connection order.
func (f *SignalFilter) Filter(s *connection.Signal) []connection.Target {
	var out []connection.Target
	for _, ct := range f.targets {
		if ct.authorized(s.ReadSubjects) && ct.subscribed(s) {
			out = append(out, ct.target)
		}
	}
	return out
}

func (ct *compiledTarget) authorized(readSubjects []string) bool {
	for _, s := range readSubjects {
		if _, ok := ct.subjects[s]; ok {
			return true
		}
	}
	return false
}

func (ct *compiledTarget) subscribed(s *connection.Signal) bool {
	for _, tp := range ct.topics {
		if tp.topic != s.Topic {
			continue
		}
		if tp.namespaces != nil {
			if _, ok := tp.namespaces[s.Namespace()]; !ok {
				continue
			}
		}
		if tp.path != nil && !tp.path.matches(s.Path) {
			continue
		}
		return true
	}
	return false
}

// Topics returns the distinct topics the targets of c subscribe to, sorted.
func Topics(c *connection.Connection) []connection.Topic {
	var out []connection.Topic
	if c == nil {
		return out
	}
	for _, t := range c.Targets {
		for _, ft := range t.Topics {
			if !slices.Contains(out, ft.Topic) {
				out = append(out, ft.Topic)
			}
		}
	}
	slices.Sort(out)
	return out
}

// AuthorizationSubjects returns the distinct subjects of all targets of c,
// sorted.
func AuthorizationSubjects(c *connection.Connection) []string {
	var out []string
	if c == nil {
		return out
	}
	for _, t := range c.Targets {
		for _, s := range t.AuthorizationSubjects {
			if !slices.Contains(out, s) {
				out = append(out, s)
			}
		}
	}
	slices.Sort(out)
	return out
}
