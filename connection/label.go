package connection

import (
	"regexp"
	"slices"
	"strings"
)

// Label names an acknowledgement. Labels are unique cluster-wide: only one
// connection may declare a given label at a time.
type Label string

var (
	labelPattern       = regexp.MustCompile(`^[a-zA-Z0-9\-_:]{3,100}$`)
	placeholderPattern = regexp.MustCompile(`\{\{\s*([^{}]*?)\s*\}\}`)
)

const connectionIDPlaceholder = "connection:id"

// ResolveLabel substitutes the {{connection:id}} placeholder with id.
// It returns false if the label contains any other placeholder or does not
// form a valid label after substitution.
func ResolveLabel(label Label, id ID) (Label, bool) {
	resolvable := true
	resolved := placeholderPattern.ReplaceAllStringFunc(string(label), func(m string) string {
		name := placeholderPattern.FindStringSubmatch(m)[1]
		if name != connectionIDPlaceholder {
			resolvable = false
			return m
		}
		return string(id)
	})
	if !resolvable || !labelPattern.MatchString(resolved) {
		return "", false
	}
	return Label(resolved), true
}

// LabelSet is a set of resolved labels.
type LabelSet map[Label]struct{}

// NewLabelSet builds a set from labels.
func NewLabelSet(labels ...Label) LabelSet {
	s := make(LabelSet, len(labels))
	for _, l := range labels {
		s[l] = struct{}{}
	}
	return s
}

// Has reports membership.
func (s LabelSet) Has(l Label) bool {
	_, ok := s[l]
	return ok
}

// Equal reports whether both sets hold the same labels.
func (s LabelSet) Equal(o LabelSet) bool {
	if len(s) != len(o) {
		return false
	}
	for l := range s {
		if !o.Has(l) {
			return false
		}
	}
	return true
}

// Sorted returns the labels in lexical order.
func (s LabelSet) Sorted() []Label {
	out := make([]Label, 0, len(s))
	for l := range s {
		out = append(out, l)
	}
	slices.Sort(out)
	return out
}

func (s LabelSet) String() string {
	labels := s.Sorted()
	parts := make([]string, len(labels))
	for i, l := range labels {
		parts[i] = string(l)
	}
	return "[" + strings.Join(parts, ",") + "]"
}

// SourceDeclaredLabels returns the resolved labels declared by all sources.
func SourceDeclaredLabels(c *Connection) LabelSet {
	s := make(LabelSet)
	if c == nil {
		return s
	}
	for _, src := range c.Sources {
		for _, l := range src.DeclaredAcks {
			if r, ok := ResolveLabel(l, c.ID); ok {
				s[r] = struct{}{}
			}
		}
	}
	return s
}

// TargetIssuedLabels returns the resolved labels issued by all targets.
func TargetIssuedLabels(c *Connection) LabelSet {
	s := make(LabelSet)
	if c == nil {
		return s
	}
	for _, t := range c.Targets {
		if t.IssuedAck == "" {
			continue
		}
		if r, ok := ResolveLabel(t.IssuedAck, c.ID); ok {
			s[r] = struct{}{}
		}
	}
	return s
}

// LabelsToDeclare returns the labels the connection must claim in the
// registry. Closed and deleted connections claim nothing.
func LabelsToDeclare(c *Connection) LabelSet {
	if !c.IsDesiredOpen() {
		return make(LabelSet)
	}
	s := SourceDeclaredLabels(c)
	for l := range TargetIssuedLabels(c) {
		s[l] = struct{}{}
	}
	return s
}
