package envelope

import (
	"fmt"
	"strings"

	"github.com/novelbytelabs/arqonbus/errors"
)

// Topic is a dotted hierarchical topic name, e.g. "tenant.room.channel".
// The first segment is the tenant scope by convention.
type Topic string

// Class identifies a topic's conventional role derived from its suffix.
type Class string

// Conventional topic suffix classes.
const (
	ClassJobs       Class = "jobs"       // work requests
	ClassResults    Class = "results"    // one-shot responses
	ClassStreams    Class = "streams"    // continuous data
	ClassMetrics    Class = "metrics"    // telemetry
	ClassControl    Class = "control"    // config/mode changes
	ClassAnomaly    Class = "anomaly"    // inspection/observer alerts
	ClassQuarantine Class = "quarantine" // redirected envelopes
	ClassDeadLetter Class = "deadletter" // undeliverable envelopes
	ClassGeneral    Class = ""           // no conventional suffix
)

// AnomalyTopic receives anomaly events for every quarantine decision and
// inspection failure.
const AnomalyTopic Topic = "security.anomalies"

const maxTopicSegments = 8

// ParseTopic validates a dotted topic name.
func ParseTopic(name string) (Topic, error) {
	t := Topic(name)
	if err := t.Validate(); err != nil {
		return "", err
	}
	return t, nil
}

// JoinTopic builds a topic from room and channel wire fields. Room may
// itself be dotted (tenant.room convention).
func JoinTopic(room, channel string) (Topic, error) {
	if room == "" || channel == "" {
		return "", errors.WrapInvalid(errors.ErrMalformedEnvelope, "Topic", "JoinTopic",
			"room and channel are required")
	}
	return ParseTopic(room + "." + channel)
}

// Validate checks segment structure and charset.
func (t Topic) Validate() error {
	if t == "" {
		return errors.WrapInvalid(errors.ErrMalformedEnvelope, "Topic", "Validate", "empty topic")
	}
	segments := strings.Split(string(t), ".")
	if len(segments) < 2 {
		return errors.WrapInvalid(errors.ErrMalformedEnvelope, "Topic", "Validate",
			fmt.Sprintf("topic %q needs at least 2 segments", string(t)))
	}
	if len(segments) > maxTopicSegments {
		return errors.WrapInvalid(errors.ErrMalformedEnvelope, "Topic", "Validate",
			fmt.Sprintf("topic %q exceeds %d segments", string(t), maxTopicSegments))
	}
	for _, seg := range segments {
		if seg == "" {
			return errors.WrapInvalid(errors.ErrMalformedEnvelope, "Topic", "Validate",
				fmt.Sprintf("topic %q has an empty segment", string(t)))
		}
		for _, r := range seg {
			if !isTopicRune(r) {
				return errors.WrapInvalid(errors.ErrMalformedEnvelope, "Topic", "Validate",
					fmt.Sprintf("topic %q contains invalid character %q", string(t), r))
			}
		}
	}
	return nil
}

func isTopicRune(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' || r == '-'
}

// String returns the dotted topic name.
func (t Topic) String() string {
	return string(t)
}

// Tenant returns the topic's tenant scope (first segment).
func (t Topic) Tenant() string {
	name := string(t)
	if i := strings.IndexByte(name, '.'); i > 0 {
		return name[:i]
	}
	return name
}

// Room returns everything up to the last segment, matching the wire
// room field.
func (t Topic) Room() string {
	name := string(t)
	if i := strings.LastIndexByte(name, '.'); i > 0 {
		return name[:i]
	}
	return name
}

// Channel returns the last segment, matching the wire channel field.
func (t Topic) Channel() string {
	name := string(t)
	if i := strings.LastIndexByte(name, '.'); i >= 0 {
		return name[i+1:]
	}
	return name
}

// TopicClass returns the conventional class implied by the topic suffix.
func (t Topic) TopicClass() Class {
	// "anomalies" appears alongside the singular form in the wire
	// convention (security.anomalies); both map to the anomaly class.
	if t.Channel() == "anomalies" {
		return ClassAnomaly
	}
	switch Class(t.Channel()) {
	case ClassJobs:
		return ClassJobs
	case ClassResults:
		return ClassResults
	case ClassStreams:
		return ClassStreams
	case ClassMetrics:
		return ClassMetrics
	case ClassControl:
		return ClassControl
	case ClassAnomaly:
		return ClassAnomaly
	case ClassQuarantine:
		return ClassQuarantine
	case ClassDeadLetter:
		return ClassDeadLetter
	default:
		return ClassGeneral
	}
}

// Quarantine returns the quarantine topic paired with this topic.
func (t Topic) Quarantine() Topic {
	return t + "." + Topic(ClassQuarantine)
}

// DeadLetterTopic returns the per-tenant dead-letter topic.
func DeadLetterTopic(tenant string) Topic {
	return Topic(tenant + ".system." + string(ClassDeadLetter))
}
