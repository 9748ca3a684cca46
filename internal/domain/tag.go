package domain

import "strings"

// Tag is a policy flag the optimizer keeps on an item.
type Tag uint8

const (
	TagHighPriority Tag = iota
	TagStalled
	TagHardPaused
	TagPersistentlySlow
	TagUnregistered
)

// AllTags lists the vocabulary in a stable order.
var AllTags = []Tag{
	TagHighPriority,
	TagStalled,
	TagHardPaused,
	TagPersistentlySlow,
	TagUnregistered,
}

func (t Tag) String() string {
	switch t {
	case TagHighPriority:
		return "high_priority"
	case TagStalled:
		return "stalled"
	case TagHardPaused:
		return "hard_paused"
	case TagPersistentlySlow:
		return "persistently_slow"
	case TagUnregistered:
		return "unregistered"
	default:
		return "unknown"
	}
}

// TagSet is the optimizer-owned copy of an item's policy tags.
type TagSet uint8

func NewTagSet(tags ...Tag) TagSet {
	var s TagSet
	for _, t := range tags {
		s = s.With(t)
	}
	return s
}

func (s TagSet) Has(t Tag) bool {
	return s&(1<<t) != 0
}

func (s TagSet) With(t Tag) TagSet {
	return s | 1<<t
}

func (s TagSet) Without(t Tag) TagSet {
	return s &^ (1 << t)
}

func (s TagSet) Tags() []Tag {
	var out []Tag
	for _, t := range AllTags {
		if s.Has(t) {
			out = append(out, t)
		}
	}
	return out
}

// Vocabulary maps policy tags to the labels written to the client.
type Vocabulary map[Tag]string

// DefaultVocabulary returns the standard labels. An empty unregistered label
// keeps the default.
func DefaultVocabulary(unregisteredLabel string) Vocabulary {
	v := Vocabulary{}
	for _, t := range AllTags {
		v[t] = t.String()
	}
	if l := strings.TrimSpace(unregisteredLabel); l != "" {
		v[TagUnregistered] = l
	}
	return v
}

// Label returns the client label for t.
func (v Vocabulary) Label(t Tag) string {
	if l, ok := v[t]; ok && l != "" {
		return l
	}
	return t.String()
}

// FromItem derives a TagSet from an item's live labels.
func (v Vocabulary) FromItem(item Item) TagSet {
	var s TagSet
	for _, t := range AllTags {
		if item.HasTag(v.Label(t)) {
			s = s.With(t)
		}
	}
	return s
}
