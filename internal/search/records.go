package search

import (
	"strings"

	"github.com/balor48/storyguard-sub004/internal/entity"
)

// BuildRecords flattens a snapshot into index records. The record ID is
// derived from database, kind and entity ID so re-indexing upserts in
// place. Meilisearch IDs allow only alphanumerics, hyphen and underscore.
func BuildRecords(database string, snap *entity.Snapshot) []EntityRecord {
	if snap == nil {
		return nil
	}
	tagNames := make(map[string]string, len(snap.Tags))
	for _, tag := range snap.Tags {
		tagNames[tag.ID] = tag.Name
	}

	records := make([]EntityRecord, 0, snap.Total())
	add := func(kind, id, name string, aliases []string, tagIDs []string, textParts ...string) {
		records = append(records, EntityRecord{
			ID:       recordID(database, kind, id),
			EntityID: id,
			Type:     kind,
			Database: database,
			Name:     name,
			Aliases:  append([]string{}, aliases...),
			Text:     joinNonBlank(textParts),
			Tags:     resolveTags(tagNames, tagIDs),
		})
	}

	for _, c := range snap.Characters {
		add(entity.KindCharacters, c.ID, c.Name, c.Aliases, c.TagIDs, c.Role, c.Description, c.Goals, c.Backstory, c.Notes)
	}
	for _, l := range snap.Locations {
		add(entity.KindLocations, l.ID, l.Name, nil, l.TagIDs, l.Kind, l.Description, l.Notes)
	}
	for _, p := range snap.Plots {
		add(entity.KindPlots, p.ID, p.Name, nil, p.TagIDs, p.Kind, p.Summary, p.Status, p.Notes)
	}
	for _, w := range snap.WorldElements {
		add(entity.KindWorldElements, w.ID, w.Name, nil, w.TagIDs, w.Category, w.Description, w.Rules, w.Notes)
	}
	for _, e := range snap.TimelineEvents {
		add(entity.KindTimelineEvents, e.ID, e.Name, nil, e.TagIDs, e.Date, e.Summary, e.Notes)
	}
	for _, r := range snap.Relationships {
		add(entity.KindRelationships, r.ID, r.Kind, nil, nil, r.Description)
	}
	for _, t := range snap.Tags {
		add(entity.KindTags, t.ID, t.Name, nil, nil)
	}
	return records
}

func recordID(database, kind, id string) string {
	return sanitizeID(database) + "--" + sanitizeID(kind) + "--" + sanitizeID(id)
}

func sanitizeID(input string) string {
	out := make([]rune, 0, len(input))
	for _, r := range input {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '-' || r == '_' {
			out = append(out, r)
			continue
		}
		out = append(out, '_')
	}
	return string(out)
}

func resolveTags(tagNames map[string]string, tagIDs []string) []string {
	names := make([]string, 0, len(tagIDs))
	for _, id := range tagIDs {
		if name, ok := tagNames[id]; ok && name != "" {
			names = append(names, name)
		}
	}
	return names
}

func joinNonBlank(parts []string) string {
	kept := make([]string, 0, len(parts))
	for _, part := range parts {
		if strings.TrimSpace(part) == "" {
			continue
		}
		kept = append(kept, strings.TrimSpace(part))
	}
	return strings.Join(kept, " · ")
}
