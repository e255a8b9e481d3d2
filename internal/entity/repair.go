package entity

import (
	"fmt"
	"strings"

	"github.com/balor48/storyguard-sub004/internal/util"
)

// RepairChange records one correction made while normalizing a snapshot.
type RepairChange struct {
	Code   string `json:"code"`
	Detail string `json:"detail"`
}

// Normalize brings a snapshot up to the current format. It runs an ordered
// chain of idempotent repair passes and reports every change made. A clean
// snapshot comes back untouched with an empty change list.
//
// The chain replaces ad-hoc data patching: damaged or outdated snapshots
// are repaired on load, on restore and on import, never in place on disk.
func Normalize(s *Snapshot) []RepairChange {
	changes := []RepairChange{}
	fromVersion := s.FormatVersion

	ensureSlices(s)
	changes = append(changes, trimNames(s)...)
	changes = append(changes, assignMissingIDs(s)...)
	changes = append(changes, dropDuplicateIDs(s)...)
	changes = append(changes, normalizeRelationshipKinds(s)...)
	changes = append(changes, detachDanglingRefs(s)...)
	changes = append(changes, mergeDuplicateTags(s)...)
	changes = append(changes, repairTimelineOrder(s)...)

	if fromVersion != CurrentFormatVersion {
		s.FormatVersion = CurrentFormatVersion
		changes = append(changes, RepairChange{
			Code:   "format_upgrade",
			Detail: fmt.Sprintf("format v%d -> v%d", fromVersion, CurrentFormatVersion),
		})
	}
	return changes
}

// ensureSlices materializes nil entity lists so snapshots always
// marshal as arrays. Not a reported repair: it changes representation,
// not content.
func ensureSlices(s *Snapshot) {
	if s.Characters == nil {
		s.Characters = []Character{}
	}
	if s.Locations == nil {
		s.Locations = []Location{}
	}
	if s.Plots == nil {
		s.Plots = []Plot{}
	}
	if s.WorldElements == nil {
		s.WorldElements = []WorldElement{}
	}
	if s.TimelineEvents == nil {
		s.TimelineEvents = []TimelineEvent{}
	}
	if s.Relationships == nil {
		s.Relationships = []Relationship{}
	}
	if s.Tags == nil {
		s.Tags = []Tag{}
	}
}

func trimNames(s *Snapshot) []RepairChange {
	var changes []RepairChange
	note := func(kind, id string) {
		changes = append(changes, RepairChange{Code: "trim_name", Detail: kind + " " + id})
	}
	for i := range s.Characters {
		if trimmed := strings.TrimSpace(s.Characters[i].Name); trimmed != s.Characters[i].Name {
			s.Characters[i].Name = trimmed
			note(KindCharacters, s.Characters[i].ID)
		}
	}
	for i := range s.Locations {
		if trimmed := strings.TrimSpace(s.Locations[i].Name); trimmed != s.Locations[i].Name {
			s.Locations[i].Name = trimmed
			note(KindLocations, s.Locations[i].ID)
		}
	}
	for i := range s.Plots {
		if trimmed := strings.TrimSpace(s.Plots[i].Name); trimmed != s.Plots[i].Name {
			s.Plots[i].Name = trimmed
			note(KindPlots, s.Plots[i].ID)
		}
	}
	for i := range s.WorldElements {
		if trimmed := strings.TrimSpace(s.WorldElements[i].Name); trimmed != s.WorldElements[i].Name {
			s.WorldElements[i].Name = trimmed
			note(KindWorldElements, s.WorldElements[i].ID)
		}
	}
	for i := range s.TimelineEvents {
		if trimmed := strings.TrimSpace(s.TimelineEvents[i].Name); trimmed != s.TimelineEvents[i].Name {
			s.TimelineEvents[i].Name = trimmed
			note(KindTimelineEvents, s.TimelineEvents[i].ID)
		}
	}
	for i := range s.Tags {
		if trimmed := strings.TrimSpace(s.Tags[i].Name); trimmed != s.Tags[i].Name {
			s.Tags[i].Name = trimmed
			note(KindTags, s.Tags[i].ID)
		}
	}
	return changes
}

func assignMissingIDs(s *Snapshot) []RepairChange {
	var changes []RepairChange
	assign := func(kind, prefix string, id *string) {
		if strings.TrimSpace(*id) != "" {
			return
		}
		*id = util.NewID(prefix)
		changes = append(changes, RepairChange{Code: "assign_id", Detail: kind + " " + *id})
	}
	for i := range s.Characters {
		assign(KindCharacters, "chr", &s.Characters[i].ID)
	}
	for i := range s.Locations {
		assign(KindLocations, "loc", &s.Locations[i].ID)
	}
	for i := range s.Plots {
		assign(KindPlots, "plt", &s.Plots[i].ID)
	}
	for i := range s.WorldElements {
		assign(KindWorldElements, "wld", &s.WorldElements[i].ID)
	}
	for i := range s.TimelineEvents {
		assign(KindTimelineEvents, "evt", &s.TimelineEvents[i].ID)
	}
	for i := range s.Relationships {
		assign(KindRelationships, "rel", &s.Relationships[i].ID)
	}
	for i := range s.Tags {
		assign(KindTags, "tag", &s.Tags[i].ID)
	}
	return changes
}

func dropDuplicateIDs(s *Snapshot) []RepairChange {
	var changes []RepairChange
	note := func(kind, id string) {
		changes = append(changes, RepairChange{Code: "drop_duplicate", Detail: kind + " " + id})
	}

	seen := map[string]struct{}{}
	chars := s.Characters[:0]
	for _, c := range s.Characters {
		if _, dup := seen[c.ID]; dup {
			note(KindCharacters, c.ID)
			continue
		}
		seen[c.ID] = struct{}{}
		chars = append(chars, c)
	}
	s.Characters = chars

	seen = map[string]struct{}{}
	locs := s.Locations[:0]
	for _, l := range s.Locations {
		if _, dup := seen[l.ID]; dup {
			note(KindLocations, l.ID)
			continue
		}
		seen[l.ID] = struct{}{}
		locs = append(locs, l)
	}
	s.Locations = locs

	seen = map[string]struct{}{}
	plots := s.Plots[:0]
	for _, p := range s.Plots {
		if _, dup := seen[p.ID]; dup {
			note(KindPlots, p.ID)
			continue
		}
		seen[p.ID] = struct{}{}
		plots = append(plots, p)
	}
	s.Plots = plots

	seen = map[string]struct{}{}
	elems := s.WorldElements[:0]
	for _, w := range s.WorldElements {
		if _, dup := seen[w.ID]; dup {
			note(KindWorldElements, w.ID)
			continue
		}
		seen[w.ID] = struct{}{}
		elems = append(elems, w)
	}
	s.WorldElements = elems

	seen = map[string]struct{}{}
	events := s.TimelineEvents[:0]
	for _, e := range s.TimelineEvents {
		if _, dup := seen[e.ID]; dup {
			note(KindTimelineEvents, e.ID)
			continue
		}
		seen[e.ID] = struct{}{}
		events = append(events, e)
	}
	s.TimelineEvents = events

	seen = map[string]struct{}{}
	rels := s.Relationships[:0]
	for _, r := range s.Relationships {
		if _, dup := seen[r.ID]; dup {
			note(KindRelationships, r.ID)
			continue
		}
		seen[r.ID] = struct{}{}
		rels = append(rels, r)
	}
	s.Relationships = rels

	seen = map[string]struct{}{}
	tags := s.Tags[:0]
	for _, t := range s.Tags {
		if _, dup := seen[t.ID]; dup {
			note(KindTags, t.ID)
			continue
		}
		seen[t.ID] = struct{}{}
		tags = append(tags, t)
	}
	s.Tags = tags

	return changes
}

// Relationship kinds were stored with arbitrary casing before format v2.
func normalizeRelationshipKinds(s *Snapshot) []RepairChange {
	var changes []RepairChange
	for i := range s.Relationships {
		normalized := strings.ToLower(strings.TrimSpace(s.Relationships[i].Kind))
		if normalized != s.Relationships[i].Kind {
			s.Relationships[i].Kind = normalized
			changes = append(changes, RepairChange{
				Code:   "normalize_relationship_kind",
				Detail: KindRelationships + " " + s.Relationships[i].ID,
			})
		}
	}
	return changes
}

func detachDanglingRefs(s *Snapshot) []RepairChange {
	var changes []RepairChange

	charIDs := map[string]struct{}{}
	for _, c := range s.Characters {
		charIDs[c.ID] = struct{}{}
	}
	locIDs := map[string]struct{}{}
	for _, l := range s.Locations {
		locIDs[l.ID] = struct{}{}
	}
	plotIDs := map[string]struct{}{}
	for _, p := range s.Plots {
		plotIDs[p.ID] = struct{}{}
	}
	tagIDs := map[string]struct{}{}
	for _, t := range s.Tags {
		tagIDs[t.ID] = struct{}{}
	}

	rels := s.Relationships[:0]
	for _, r := range s.Relationships {
		_, fromOK := charIDs[r.FromID]
		_, toOK := charIDs[r.ToID]
		if !fromOK || !toOK || r.FromID == r.ToID {
			changes = append(changes, RepairChange{
				Code:   "detach_relationship",
				Detail: KindRelationships + " " + r.ID,
			})
			continue
		}
		rels = append(rels, r)
	}
	s.Relationships = rels

	pruneChars := func(kind, id string, refs []string) []string {
		kept := refs[:0]
		for _, ref := range refs {
			if _, ok := charIDs[ref]; !ok {
				changes = append(changes, RepairChange{Code: "strip_character_ref", Detail: kind + " " + id})
				continue
			}
			kept = append(kept, ref)
		}
		return kept
	}
	pruneTags := func(kind, id string, refs []string) []string {
		kept := refs[:0]
		for _, ref := range refs {
			if _, ok := tagIDs[ref]; !ok {
				changes = append(changes, RepairChange{Code: "strip_tag_ref", Detail: kind + " " + id})
				continue
			}
			kept = append(kept, ref)
		}
		return kept
	}

	for i := range s.Characters {
		s.Characters[i].TagIDs = pruneTags(KindCharacters, s.Characters[i].ID, s.Characters[i].TagIDs)
	}
	for i := range s.Locations {
		s.Locations[i].TagIDs = pruneTags(KindLocations, s.Locations[i].ID, s.Locations[i].TagIDs)
	}
	for i := range s.Plots {
		s.Plots[i].CharacterIDs = pruneChars(KindPlots, s.Plots[i].ID, s.Plots[i].CharacterIDs)
		s.Plots[i].TagIDs = pruneTags(KindPlots, s.Plots[i].ID, s.Plots[i].TagIDs)
	}
	for i := range s.WorldElements {
		s.WorldElements[i].TagIDs = pruneTags(KindWorldElements, s.WorldElements[i].ID, s.WorldElements[i].TagIDs)
	}
	for i := range s.TimelineEvents {
		e := &s.TimelineEvents[i]
		e.CharacterIDs = pruneChars(KindTimelineEvents, e.ID, e.CharacterIDs)
		e.TagIDs = pruneTags(KindTimelineEvents, e.ID, e.TagIDs)
		if e.LocationID != "" {
			if _, ok := locIDs[e.LocationID]; !ok {
				e.LocationID = ""
				changes = append(changes, RepairChange{Code: "strip_location_ref", Detail: KindTimelineEvents + " " + e.ID})
			}
		}
		if e.PlotID != "" {
			if _, ok := plotIDs[e.PlotID]; !ok {
				e.PlotID = ""
				changes = append(changes, RepairChange{Code: "strip_plot_ref", Detail: KindTimelineEvents + " " + e.ID})
			}
		}
	}
	return changes
}

// mergeDuplicateTags keeps the first tag of each case-insensitive name and
// repoints references from the dropped duplicates to the survivor.
func mergeDuplicateTags(s *Snapshot) []RepairChange {
	var changes []RepairChange
	survivor := map[string]string{}
	remap := map[string]string{}
	kept := s.Tags[:0]
	for _, t := range s.Tags {
		key := strings.ToLower(strings.TrimSpace(t.Name))
		if first, dup := survivor[key]; dup {
			remap[t.ID] = first
			changes = append(changes, RepairChange{Code: "merge_duplicate_tag", Detail: t.Name + " -> " + first})
			continue
		}
		survivor[key] = t.ID
		kept = append(kept, t)
	}
	s.Tags = kept
	if len(remap) == 0 {
		return changes
	}

	repoint := func(refs []string) []string {
		out := refs[:0]
		seen := map[string]struct{}{}
		for _, ref := range refs {
			if target, ok := remap[ref]; ok {
				ref = target
			}
			if _, dup := seen[ref]; dup {
				continue
			}
			seen[ref] = struct{}{}
			out = append(out, ref)
		}
		return out
	}
	for i := range s.Characters {
		s.Characters[i].TagIDs = repoint(s.Characters[i].TagIDs)
	}
	for i := range s.Locations {
		s.Locations[i].TagIDs = repoint(s.Locations[i].TagIDs)
	}
	for i := range s.Plots {
		s.Plots[i].TagIDs = repoint(s.Plots[i].TagIDs)
	}
	for i := range s.WorldElements {
		s.WorldElements[i].TagIDs = repoint(s.WorldElements[i].TagIDs)
	}
	for i := range s.TimelineEvents {
		s.TimelineEvents[i].TagIDs = repoint(s.TimelineEvents[i].TagIDs)
	}
	return changes
}

// repairTimelineOrder rewrites positions into a dense 1..n sequence,
// preserving the existing relative order.
func repairTimelineOrder(s *Snapshot) []RepairChange {
	var changes []RepairChange
	dense := true
	for i := range s.TimelineEvents {
		if s.TimelineEvents[i].Position != i+1 {
			dense = false
			break
		}
	}
	if dense {
		return changes
	}
	resequenceTimeline(s)
	changes = append(changes, RepairChange{
		Code:   "resequence_timeline",
		Detail: fmt.Sprintf("%d events", len(s.TimelineEvents)),
	})
	return changes
}
