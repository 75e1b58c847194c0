package operator

import (
	"strings"

	"github.com/novelbytelabs/arqonbus/envelope"
	"github.com/novelbytelabs/arqonbus/errors"
)

// Action is the operation a capability grants.
type Action string

const (
	// ActionPublish grants publishing envelopes to matching topics.
	ActionPublish Action = "publish"
	// ActionSubscribe grants subscribing to matching topics.
	ActionSubscribe Action = "subscribe"
	// ActionCreateTopic grants auto-creation of matching topics on
	// first publish.
	ActionCreateTopic Action = "create_topic"
	// ActionInspect marks the operator as an inline inspector.
	ActionInspect Action = "inspect"
	// ActionProductionOverride lifts the omega-tier exclusion from
	// production topics and production circuits. Granting it is a
	// governance decision, not a registration default.
	ActionProductionOverride Action = "production_override"
)

// Capability grants an action over a topic pattern. Patterns use dotted
// segments with "*" matching exactly one segment and ">" matching one or
// more trailing segments, e.g. "publish:science.*" or "subscribe:acme.>".
// Actions without a topic scope (production_override) omit the pattern.
type Capability struct {
	Action  Action `json:"action"`
	Pattern string `json:"pattern,omitempty"`
}

// ParseCapability parses the wire form "action" or "action:pattern".
func ParseCapability(s string) (Capability, error) {
	action, pattern, _ := strings.Cut(s, ":")
	c := Capability{Action: Action(action), Pattern: pattern}
	if err := c.Validate(); err != nil {
		return Capability{}, err
	}
	return c, nil
}

// String returns the wire form.
func (c Capability) String() string {
	if c.Pattern == "" {
		return string(c.Action)
	}
	return string(c.Action) + ":" + c.Pattern
}

// Validate checks the action and pattern shape.
func (c Capability) Validate() error {
	switch c.Action {
	case ActionPublish, ActionSubscribe, ActionCreateTopic, ActionInspect:
		if c.Pattern == "" {
			return errors.WrapInvalid(errors.ErrInvalidConfig, "Capability", "Validate",
				string(c.Action)+" capability requires a topic pattern")
		}
	case ActionProductionOverride:
		return nil
	default:
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Capability", "Validate",
			"unknown action "+string(c.Action))
	}

	segments := strings.Split(c.Pattern, ".")
	for i, seg := range segments {
		if seg == "" {
			return errors.WrapInvalid(errors.ErrInvalidConfig, "Capability", "Validate",
				"empty segment in pattern "+c.Pattern)
		}
		if seg == ">" && i != len(segments)-1 {
			return errors.WrapInvalid(errors.ErrInvalidConfig, "Capability", "Validate",
				"'>' must be the final segment in "+c.Pattern)
		}
	}
	return nil
}

// MatchesTopic reports whether the capability's pattern covers topic.
func (c Capability) MatchesTopic(topic envelope.Topic) bool {
	if c.Pattern == "" {
		return false
	}
	want := strings.Split(c.Pattern, ".")
	have := strings.Split(topic.String(), ".")

	for i, seg := range want {
		if seg == ">" {
			return len(have) > i
		}
		if i >= len(have) {
			return false
		}
		if seg != "*" && seg != have[i] {
			return false
		}
	}
	return len(have) == len(want)
}

// Set is an immutable collection of capabilities. Replace the whole set,
// never mutate it; the registry swaps sets atomically.
type Set []Capability

// ParseSet parses wire-form capability strings.
func ParseSet(raw []string) (Set, error) {
	set := make(Set, 0, len(raw))
	for _, s := range raw {
		c, err := ParseCapability(s)
		if err != nil {
			return nil, err
		}
		set = append(set, c)
	}
	return set, nil
}

// Allows reports whether any capability in the set grants action on topic.
func (s Set) Allows(action Action, topic envelope.Topic) bool {
	for _, c := range s {
		if c.Action == action && c.MatchesTopic(topic) {
			return true
		}
	}
	return false
}

// HasProductionOverride reports whether the set carries the governance
// override.
func (s Set) HasProductionOverride() bool {
	for _, c := range s {
		if c.Action == ActionProductionOverride {
			return true
		}
	}
	return false
}

// Without returns a copy of the set with every capability matching the
// given action and pattern removed. Used for live revocation.
func (s Set) Without(action Action, pattern string) Set {
	out := make(Set, 0, len(s))
	for _, c := range s {
		if c.Action == action && (pattern == "" || c.Pattern == pattern) {
			continue
		}
		out = append(out, c)
	}
	return out
}

// Strings returns the wire forms.
func (s Set) Strings() []string {
	out := make([]string, len(s))
	for i, c := range s {
		out[i] = c.String()
	}
	return out
}
