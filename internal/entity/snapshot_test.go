package entity

import (
	"testing"
	"time"
)

func testSnapshot() *Snapshot {
	s := New("test-story")
	s.Characters = []Character{
		{ID: "chr_1", Name: "Mira Voss", TagIDs: []string{"tag_1"}},
		{ID: "chr_2", Name: "Father Aldous"},
	}
	s.Locations = []Location{
		{ID: "loc_1", Name: "Greywater Keep", TagIDs: []string{"tag_1"}},
	}
	s.Plots = []Plot{
		{ID: "plt_1", Name: "The Siege", CharacterIDs: []string{"chr_1", "chr_2"}},
	}
	s.WorldElements = []WorldElement{
		{ID: "wld_1", Name: "Stormglass", Category: "magic"},
	}
	s.TimelineEvents = []TimelineEvent{
		{ID: "evt_1", Name: "Arrival", Position: 1, CharacterIDs: []string{"chr_1"}, LocationID: "loc_1", PlotID: "plt_1"},
		{ID: "evt_2", Name: "Betrayal", Position: 2, CharacterIDs: []string{"chr_1", "chr_2"}},
	}
	s.Relationships = []Relationship{
		{ID: "rel_1", FromID: "chr_1", ToID: "chr_2", Kind: "mentorship"},
	}
	s.Tags = []Tag{
		{ID: "tag_1", Name: "Act One", Color: "#aabbcc"},
	}
	return s
}

func TestRemoveCharacterCascades(t *testing.T) {
	s := testSnapshot()

	if !s.Remove(KindCharacters, "chr_2") {
		t.Fatalf("expected character to be removed")
	}
	if len(s.Characters) != 1 {
		t.Fatalf("expected 1 character, got %d", len(s.Characters))
	}
	if len(s.Relationships) != 0 {
		t.Fatalf("expected relationship to be dropped, got %d", len(s.Relationships))
	}
	if len(s.Plots[0].CharacterIDs) != 1 || s.Plots[0].CharacterIDs[0] != "chr_1" {
		t.Fatalf("expected plot to keep only chr_1, got %v", s.Plots[0].CharacterIDs)
	}
	if len(s.TimelineEvents[1].CharacterIDs) != 1 {
		t.Fatalf("expected event to keep only chr_1, got %v", s.TimelineEvents[1].CharacterIDs)
	}
}

func TestRemoveLocationClearsEventReferences(t *testing.T) {
	s := testSnapshot()

	if !s.Remove(KindLocations, "loc_1") {
		t.Fatalf("expected location to be removed")
	}
	if s.TimelineEvents[0].LocationID != "" {
		t.Fatalf("expected event location cleared, got %q", s.TimelineEvents[0].LocationID)
	}
}

func TestRemoveTagStripsReferences(t *testing.T) {
	s := testSnapshot()

	if !s.Remove(KindTags, "tag_1") {
		t.Fatalf("expected tag to be removed")
	}
	if len(s.Characters[0].TagIDs) != 0 {
		t.Fatalf("expected character tag refs stripped, got %v", s.Characters[0].TagIDs)
	}
	if len(s.Locations[0].TagIDs) != 0 {
		t.Fatalf("expected location tag refs stripped, got %v", s.Locations[0].TagIDs)
	}
}

func TestRemoveTimelineEventResequences(t *testing.T) {
	s := testSnapshot()

	if !s.Remove(KindTimelineEvents, "evt_1") {
		t.Fatalf("expected event to be removed")
	}
	if len(s.TimelineEvents) != 1 {
		t.Fatalf("expected 1 event, got %d", len(s.TimelineEvents))
	}
	if s.TimelineEvents[0].Position != 1 {
		t.Fatalf("expected position resequenced to 1, got %d", s.TimelineEvents[0].Position)
	}
}

func TestRemoveUnknownEntity(t *testing.T) {
	s := testSnapshot()

	if s.Remove(KindCharacters, "chr_missing") {
		t.Fatalf("expected removal of unknown id to report false")
	}
	if s.Remove("not-a-kind", "chr_1") {
		t.Fatalf("expected removal with unknown kind to report false")
	}
}

func TestHashIgnoresUpdatedAt(t *testing.T) {
	a := testSnapshot()
	b := testSnapshot()
	b.UpdatedAt = a.UpdatedAt.Add(3 * time.Hour)

	if a.Hash() != b.Hash() {
		t.Fatalf("expected identical content to hash identically")
	}

	b.Characters[0].Name = "Mira Voss-Kade"
	if a.Hash() == b.Hash() {
		t.Fatalf("expected changed content to change the hash")
	}
}

func TestTagNameTakenIsCaseInsensitive(t *testing.T) {
	s := testSnapshot()

	if !s.TagNameTaken("act one", "") {
		t.Fatalf("expected duplicate tag name to be detected")
	}
	if s.TagNameTaken("Act One", "tag_1") {
		t.Fatalf("expected the tag itself to be excluded")
	}
	if s.TagNameTaken("Act Two", "") {
		t.Fatalf("expected new name to be free")
	}
}

func TestFindAndList(t *testing.T) {
	s := testSnapshot()

	got, ok := s.Find(KindCharacters, "chr_1")
	if !ok {
		t.Fatalf("expected to find chr_1")
	}
	if got.(Character).Name != "Mira Voss" {
		t.Fatalf("unexpected character: %+v", got)
	}
	if _, ok := s.Find(KindPlots, "plt_missing"); ok {
		t.Fatalf("expected miss for unknown plot")
	}

	chars, ok := s.List(KindCharacters).([]Character)
	if !ok || len(chars) != 2 {
		t.Fatalf("unexpected character list: %v", s.List(KindCharacters))
	}
	if s.List("not-a-kind") != nil {
		t.Fatalf("expected nil list for unknown kind")
	}
}

func TestCloneIsDeep(t *testing.T) {
	s := testSnapshot()
	c := s.Clone()

	c.Characters[0].Name = "Changed"
	if s.Characters[0].Name != "Mira Voss" {
		t.Fatalf("clone mutation leaked into original")
	}
}

func TestCounts(t *testing.T) {
	s := testSnapshot()

	counts := s.Counts()
	if counts[KindCharacters] != 2 {
		t.Fatalf("expected 2 characters, got %d", counts[KindCharacters])
	}
	if counts[KindTimelineEvents] != 2 {
		t.Fatalf("expected 2 events, got %d", counts[KindTimelineEvents])
	}
	if s.Total() != 8 {
		t.Fatalf("expected total 8, got %d", s.Total())
	}
}
