package entity

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strings"
	"time"
)

// CurrentFormatVersion is stamped on every snapshot after a full repair
// pass. Older versions are upgraded in place by Normalize.
const CurrentFormatVersion = 3

const (
	KindCharacters     = "characters"
	KindLocations      = "locations"
	KindPlots          = "plots"
	KindWorldElements  = "world-elements"
	KindTimelineEvents = "timeline-events"
	KindRelationships  = "relationships"
	KindTags           = "tags"
)

var kindOrder = []string{
	KindCharacters,
	KindLocations,
	KindPlots,
	KindWorldElements,
	KindTimelineEvents,
	KindRelationships,
	KindTags,
}

// Kinds lists the entity kinds in their canonical order.
func Kinds() []string {
	out := make([]string, len(kindOrder))
	copy(out, kindOrder)
	return out
}

func ValidKind(kind string) bool {
	for _, k := range kindOrder {
		if k == kind {
			return true
		}
	}
	return false
}

// Snapshot is the full content of one story database. It is what gets
// committed, mirrored, backed up and indexed.
type Snapshot struct {
	FormatVersion  int             `json:"formatVersion"`
	Name           string          `json:"name"`
	Characters     []Character     `json:"characters"`
	Locations      []Location      `json:"locations"`
	Plots          []Plot          `json:"plots"`
	WorldElements  []WorldElement  `json:"worldElements"`
	TimelineEvents []TimelineEvent `json:"timelineEvents"`
	Relationships  []Relationship  `json:"relationships"`
	Tags           []Tag           `json:"tags"`
	UpdatedAt      time.Time       `json:"updatedAt"`
}

type Character struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Aliases     []string `json:"aliases,omitempty"`
	Role        string   `json:"role,omitempty"`
	Description string   `json:"description,omitempty"`
	Traits      []string `json:"traits,omitempty"`
	Goals       string   `json:"goals,omitempty"`
	Backstory   string   `json:"backstory,omitempty"`
	Notes       string   `json:"notes,omitempty"`
	TagIDs      []string `json:"tagIds,omitempty"`
}

type Location struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Kind        string   `json:"kind,omitempty"`
	Description string   `json:"description,omitempty"`
	Notes       string   `json:"notes,omitempty"`
	TagIDs      []string `json:"tagIds,omitempty"`
}

type Plot struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Kind         string   `json:"kind,omitempty"`
	Summary      string   `json:"summary,omitempty"`
	Status       string   `json:"status,omitempty"`
	CharacterIDs []string `json:"characterIds,omitempty"`
	Notes        string   `json:"notes,omitempty"`
	TagIDs       []string `json:"tagIds,omitempty"`
}

type WorldElement struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Category    string   `json:"category,omitempty"`
	Description string   `json:"description,omitempty"`
	Rules       string   `json:"rules,omitempty"`
	Notes       string   `json:"notes,omitempty"`
	TagIDs      []string `json:"tagIds,omitempty"`
}

type TimelineEvent struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Position     int      `json:"position"`
	Date         string   `json:"date,omitempty"`
	Summary      string   `json:"summary,omitempty"`
	CharacterIDs []string `json:"characterIds,omitempty"`
	LocationID   string   `json:"locationId,omitempty"`
	PlotID       string   `json:"plotId,omitempty"`
	Notes        string   `json:"notes,omitempty"`
	TagIDs       []string `json:"tagIds,omitempty"`
}

// Relationship links two characters. From and To must name existing
// characters and must differ.
type Relationship struct {
	ID          string `json:"id"`
	FromID      string `json:"fromId"`
	ToID        string `json:"toId"`
	Kind        string `json:"kind,omitempty"`
	Description string `json:"description,omitempty"`
}

type Tag struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Color string `json:"color,omitempty"`
}

// New returns an empty snapshot at the current format version.
func New(name string) *Snapshot {
	return &Snapshot{
		FormatVersion:  CurrentFormatVersion,
		Name:           name,
		Characters:     []Character{},
		Locations:      []Location{},
		Plots:          []Plot{},
		WorldElements:  []WorldElement{},
		TimelineEvents: []TimelineEvent{},
		Relationships:  []Relationship{},
		Tags:           []Tag{},
		UpdatedAt:      time.Now().UTC(),
	}
}

// Clone returns a deep copy. Mutating the copy never touches the original.
func (s *Snapshot) Clone() *Snapshot {
	if s == nil {
		return nil
	}
	payload, err := json.Marshal(s)
	if err != nil {
		return nil
	}
	var out Snapshot
	if err := json.Unmarshal(payload, &out); err != nil {
		return nil
	}
	return &out
}

// Hash returns the canonical SHA-256 content hash. UpdatedAt is excluded
// so that re-saving identical content hashes identically.
func (s *Snapshot) Hash() string {
	copy := *s
	copy.UpdatedAt = time.Time{}
	payload, err := json.Marshal(&copy)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// Counts reports how many entities each kind holds, keyed by kind.
func (s *Snapshot) Counts() map[string]int {
	return map[string]int{
		KindCharacters:     len(s.Characters),
		KindLocations:      len(s.Locations),
		KindPlots:          len(s.Plots),
		KindWorldElements:  len(s.WorldElements),
		KindTimelineEvents: len(s.TimelineEvents),
		KindRelationships:  len(s.Relationships),
		KindTags:           len(s.Tags),
	}
}

func (s *Snapshot) Total() int {
	total := 0
	for _, n := range s.Counts() {
		total += n
	}
	return total
}

// List returns the entities of one kind as a JSON-ready value.
func (s *Snapshot) List(kind string) any {
	switch kind {
	case KindCharacters:
		return s.Characters
	case KindLocations:
		return s.Locations
	case KindPlots:
		return s.Plots
	case KindWorldElements:
		return s.WorldElements
	case KindTimelineEvents:
		return s.TimelineEvents
	case KindRelationships:
		return s.Relationships
	case KindTags:
		return s.Tags
	}
	return nil
}

// Find returns the entity of the given kind and id.
func (s *Snapshot) Find(kind, id string) (any, bool) {
	switch kind {
	case KindCharacters:
		for i := range s.Characters {
			if s.Characters[i].ID == id {
				return s.Characters[i], true
			}
		}
	case KindLocations:
		for i := range s.Locations {
			if s.Locations[i].ID == id {
				return s.Locations[i], true
			}
		}
	case KindPlots:
		for i := range s.Plots {
			if s.Plots[i].ID == id {
				return s.Plots[i], true
			}
		}
	case KindWorldElements:
		for i := range s.WorldElements {
			if s.WorldElements[i].ID == id {
				return s.WorldElements[i], true
			}
		}
	case KindTimelineEvents:
		for i := range s.TimelineEvents {
			if s.TimelineEvents[i].ID == id {
				return s.TimelineEvents[i], true
			}
		}
	case KindRelationships:
		for i := range s.Relationships {
			if s.Relationships[i].ID == id {
				return s.Relationships[i], true
			}
		}
	case KindTags:
		for i := range s.Tags {
			if s.Tags[i].ID == id {
				return s.Tags[i], true
			}
		}
	}
	return nil, false
}

// Put inserts the entity or replaces the one sharing its ID. The item
// must be the concrete type for the kind; anything else reports false.
func (s *Snapshot) Put(kind string, item any) bool {
	switch kind {
	case KindCharacters:
		v, ok := item.(Character)
		if !ok {
			return false
		}
		for i := range s.Characters {
			if s.Characters[i].ID == v.ID {
				s.Characters[i] = v
				return true
			}
		}
		s.Characters = append(s.Characters, v)
	case KindLocations:
		v, ok := item.(Location)
		if !ok {
			return false
		}
		for i := range s.Locations {
			if s.Locations[i].ID == v.ID {
				s.Locations[i] = v
				return true
			}
		}
		s.Locations = append(s.Locations, v)
	case KindPlots:
		v, ok := item.(Plot)
		if !ok {
			return false
		}
		for i := range s.Plots {
			if s.Plots[i].ID == v.ID {
				s.Plots[i] = v
				return true
			}
		}
		s.Plots = append(s.Plots, v)
	case KindWorldElements:
		v, ok := item.(WorldElement)
		if !ok {
			return false
		}
		for i := range s.WorldElements {
			if s.WorldElements[i].ID == v.ID {
				s.WorldElements[i] = v
				return true
			}
		}
		s.WorldElements = append(s.WorldElements, v)
	case KindTimelineEvents:
		v, ok := item.(TimelineEvent)
		if !ok {
			return false
		}
		for i := range s.TimelineEvents {
			if s.TimelineEvents[i].ID == v.ID {
				s.TimelineEvents[i] = v
				resequenceTimeline(s)
				return true
			}
		}
		s.TimelineEvents = append(s.TimelineEvents, v)
		resequenceTimeline(s)
	case KindRelationships:
		v, ok := item.(Relationship)
		if !ok {
			return false
		}
		for i := range s.Relationships {
			if s.Relationships[i].ID == v.ID {
				s.Relationships[i] = v
				return true
			}
		}
		s.Relationships = append(s.Relationships, v)
	case KindTags:
		v, ok := item.(Tag)
		if !ok {
			return false
		}
		for i := range s.Tags {
			if s.Tags[i].ID == v.ID {
				s.Tags[i] = v
				return true
			}
		}
		s.Tags = append(s.Tags, v)
	default:
		return false
	}
	return true
}

// IDPrefix returns the id prefix used for new entities of a kind.
func IDPrefix(kind string) string {
	switch kind {
	case KindCharacters:
		return "chr"
	case KindLocations:
		return "loc"
	case KindPlots:
		return "plt"
	case KindWorldElements:
		return "wld"
	case KindTimelineEvents:
		return "evt"
	case KindRelationships:
		return "rel"
	case KindTags:
		return "tag"
	}
	return ""
}

func (s *Snapshot) HasCharacter(id string) bool {
	_, ok := s.Find(KindCharacters, id)
	return ok
}

func (s *Snapshot) HasTag(id string) bool {
	_, ok := s.Find(KindTags, id)
	return ok
}

// TagNameTaken reports whether another tag already uses the name,
// compared case-insensitively.
func (s *Snapshot) TagNameTaken(name, excludeID string) bool {
	needle := strings.ToLower(strings.TrimSpace(name))
	for _, t := range s.Tags {
		if t.ID == excludeID {
			continue
		}
		if strings.ToLower(strings.TrimSpace(t.Name)) == needle {
			return true
		}
	}
	return false
}

// Remove deletes the entity and detaches every reference to it. Deleting
// a character drops its relationships and strips it from plots and
// timeline events; deleting a tag strips it from every TagIDs list.
// Returns false when no entity matched.
func (s *Snapshot) Remove(kind, id string) bool {
	switch kind {
	case KindCharacters:
		if !removeCharacter(s, id) {
			return false
		}
	case KindLocations:
		if !removeLocation(s, id) {
			return false
		}
	case KindPlots:
		if !removePlot(s, id) {
			return false
		}
	case KindWorldElements:
		kept := s.WorldElements[:0]
		found := false
		for _, w := range s.WorldElements {
			if w.ID == id {
				found = true
				continue
			}
			kept = append(kept, w)
		}
		s.WorldElements = kept
		if !found {
			return false
		}
	case KindTimelineEvents:
		kept := s.TimelineEvents[:0]
		found := false
		for _, e := range s.TimelineEvents {
			if e.ID == id {
				found = true
				continue
			}
			kept = append(kept, e)
		}
		s.TimelineEvents = kept
		if !found {
			return false
		}
		resequenceTimeline(s)
	case KindRelationships:
		kept := s.Relationships[:0]
		found := false
		for _, r := range s.Relationships {
			if r.ID == id {
				found = true
				continue
			}
			kept = append(kept, r)
		}
		s.Relationships = kept
		if !found {
			return false
		}
	case KindTags:
		if !removeTag(s, id) {
			return false
		}
	default:
		return false
	}
	return true
}

func removeCharacter(s *Snapshot, id string) bool {
	kept := s.Characters[:0]
	found := false
	for _, c := range s.Characters {
		if c.ID == id {
			found = true
			continue
		}
		kept = append(kept, c)
	}
	s.Characters = kept
	if !found {
		return false
	}
	rels := s.Relationships[:0]
	for _, r := range s.Relationships {
		if r.FromID == id || r.ToID == id {
			continue
		}
		rels = append(rels, r)
	}
	s.Relationships = rels
	for i := range s.Plots {
		s.Plots[i].CharacterIDs = removeString(s.Plots[i].CharacterIDs, id)
	}
	for i := range s.TimelineEvents {
		s.TimelineEvents[i].CharacterIDs = removeString(s.TimelineEvents[i].CharacterIDs, id)
	}
	return true
}

func removeLocation(s *Snapshot, id string) bool {
	kept := s.Locations[:0]
	found := false
	for _, l := range s.Locations {
		if l.ID == id {
			found = true
			continue
		}
		kept = append(kept, l)
	}
	s.Locations = kept
	if !found {
		return false
	}
	for i := range s.TimelineEvents {
		if s.TimelineEvents[i].LocationID == id {
			s.TimelineEvents[i].LocationID = ""
		}
	}
	return true
}

func removePlot(s *Snapshot, id string) bool {
	kept := s.Plots[:0]
	found := false
	for _, p := range s.Plots {
		if p.ID == id {
			found = true
			continue
		}
		kept = append(kept, p)
	}
	s.Plots = kept
	if !found {
		return false
	}
	for i := range s.TimelineEvents {
		if s.TimelineEvents[i].PlotID == id {
			s.TimelineEvents[i].PlotID = ""
		}
	}
	return true
}

func removeTag(s *Snapshot, id string) bool {
	kept := s.Tags[:0]
	found := false
	for _, t := range s.Tags {
		if t.ID == id {
			found = true
			continue
		}
		kept = append(kept, t)
	}
	s.Tags = kept
	if !found {
		return false
	}
	for i := range s.Characters {
		s.Characters[i].TagIDs = removeString(s.Characters[i].TagIDs, id)
	}
	for i := range s.Locations {
		s.Locations[i].TagIDs = removeString(s.Locations[i].TagIDs, id)
	}
	for i := range s.Plots {
		s.Plots[i].TagIDs = removeString(s.Plots[i].TagIDs, id)
	}
	for i := range s.WorldElements {
		s.WorldElements[i].TagIDs = removeString(s.WorldElements[i].TagIDs, id)
	}
	for i := range s.TimelineEvents {
		s.TimelineEvents[i].TagIDs = removeString(s.TimelineEvents[i].TagIDs, id)
	}
	return true
}

func resequenceTimeline(s *Snapshot) {
	sort.SliceStable(s.TimelineEvents, func(i, j int) bool {
		return s.TimelineEvents[i].Position < s.TimelineEvents[j].Position
	})
	for i := range s.TimelineEvents {
		s.TimelineEvents[i].Position = i + 1
	}
}

func removeString(values []string, needle string) []string {
	if len(values) == 0 {
		return values
	}
	kept := values[:0]
	for _, v := range values {
		if v == needle {
			continue
		}
		kept = append(kept, v)
	}
	return kept
}
