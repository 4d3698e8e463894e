package session

import "strings"

// visitorPrefix is the wire form of a visitor subject. Code branches on
// Subject.Kind, never on this prefix; it exists only for the wire.
const visitorPrefix = "visitor:"

type SubjectKind int

const (
	// Registered subjects are backed by a user record and may own and
	// host channels.
	Registered SubjectKind = iota

	// Visitor subjects carry a display name only. They cannot host
	// channels, change status, or author messages in hosted channels.
	Visitor
)

// Subject is a tagged identity: a registered username or a visitor
// display name.
type Subject struct {
	Kind SubjectKind
	Name string
}

func RegisteredSubject(username string) Subject {
	return Subject{Kind: Registered, Name: username}
}

func VisitorSubject(displayName string) Subject {
	return Subject{Kind: Visitor, Name: displayName}
}

func (s Subject) IsVisitor() bool { return s.Kind == Visitor }

// String returns the wire form: the bare username for registered
// subjects, "visitor:<name>" for visitors.
func (s Subject) String() string {
	if s.Kind == Visitor {
		return visitorPrefix + s.Name
	}
	return s.Name
}

// ParseSubject is the inverse of String.
func ParseSubject(s string) Subject {
	if name, ok := strings.CutPrefix(s, visitorPrefix); ok {
		return Subject{Kind: Visitor, Name: name}
	}
	return Subject{Kind: Registered, Name: s}
}
