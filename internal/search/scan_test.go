package search

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/balor48/storyguard-sub004/internal/entity"
	"github.com/balor48/storyguard-sub004/internal/store"
)

type fakeSnapshots struct {
	slugs map[string]*entity.Snapshot
}

func (f *fakeSnapshots) List() ([]string, error) {
	out := make([]string, 0, len(f.slugs))
	for slug := range f.slugs {
		out = append(out, slug)
	}
	return out, nil
}

func (f *fakeSnapshots) Head(slug string) (*entity.Snapshot, store.CommitInfo, error) {
	return f.slugs[slug], store.CommitInfo{Hash: "head"}, nil
}

func testSnapshots() *fakeSnapshots {
	first := entity.New("Winter Crown")
	first.Characters = []entity.Character{
		{ID: "chr_1", Name: "Mira Voss", Aliases: []string{"The Grey Fox"}, Description: "A smuggler turned royal spy.", TagIDs: []string{"tag_1"}},
		{ID: "chr_2", Name: "Aldous Crane", Description: "Court physician with a grudge."},
	}
	first.Locations = []entity.Location{
		{ID: "loc_1", Name: "Harrowgate", Description: "Border fortress where Mira grew up."},
	}
	first.Tags = []entity.Tag{{ID: "tag_1", Name: "spy-ring"}}

	second := entity.New("Tidewater")
	second.Characters = []entity.Character{
		{ID: "chr_9", Name: "Mirabel Osei", Description: "Harbor master."},
	}
	return &fakeSnapshots{slugs: map[string]*entity.Snapshot{
		"winter-crown": first,
		"tidewater":    second,
	}}
}

func TestScanMatchesAcrossDatabases(t *testing.T) {
	scan := NewScan(testSnapshots())

	results, total, err := scan.Search(Query{Text: "mira"})
	if err != nil {
		t.Fatalf("search failed: %v", err)
	}
	if total != 3 {
		t.Fatalf("expected 3 hits (two names, one description), got %d: %+v", total, results)
	}
	// Name prefix matches rank above description hits.
	if results[0].Name != "Mira Voss" && results[0].Name != "Mirabel Osei" {
		t.Errorf("expected a name match first, got %+v", results[0])
	}
	if results[0].Score <= results[len(results)-1].Score {
		t.Errorf("expected descending scores, got %+v", results)
	}
}

func TestScanFiltersByDatabaseAndType(t *testing.T) {
	scan := NewScan(testSnapshots())

	results, _, err := scan.Search(Query{Text: "mira", Database: "winter-crown", Type: entity.KindLocations})
	if err != nil {
		t.Fatalf("search failed: %v", err)
	}
	if len(results) != 1 || results[0].ID != "loc_1" {
		t.Fatalf("expected only the Harrowgate description hit, got %+v", results)
	}
	if results[0].Snippet == "" {
		t.Error("expected a snippet around the match")
	}
}

func TestScanAliasAndTagMatches(t *testing.T) {
	scan := NewScan(testSnapshots())

	results, _, err := scan.Search(Query{Text: "grey fox"})
	if err != nil {
		t.Fatalf("search failed: %v", err)
	}
	if len(results) != 1 || results[0].ID != "chr_1" {
		t.Fatalf("expected alias match for chr_1, got %+v", results)
	}

	results, _, err = scan.Search(Query{Text: "spy-ring"})
	if err != nil {
		t.Fatalf("search failed: %v", err)
	}
	found := false
	for _, r := range results {
		if r.ID == "chr_1" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected tag match to surface chr_1, got %+v", results)
	}
}

func TestScanEmptyQueryReturnsNothing(t *testing.T) {
	scan := NewScan(testSnapshots())
	results, total, err := scan.Search(Query{Text: "   "})
	if err != nil {
		t.Fatalf("search failed: %v", err)
	}
	if total != 0 || len(results) != 0 {
		t.Errorf("expected no results for blank query, got %+v", results)
	}
}

func TestBuildRecordsResolvesTagNames(t *testing.T) {
	snap := entity.New("Winter Crown")
	snap.Tags = []entity.Tag{{ID: "tag_1", Name: "villains"}}
	snap.Characters = []entity.Character{{ID: "chr_1", Name: "Aldous Crane", TagIDs: []string{"tag_1", "tag_missing"}}}

	records := BuildRecords("winter-crown", snap)
	var char *EntityRecord
	for i := range records {
		if records[i].EntityID == "chr_1" {
			char = &records[i]
		}
	}
	if char == nil {
		t.Fatal("character record missing")
	}
	if len(char.Tags) != 1 || char.Tags[0] != "villains" {
		t.Errorf("expected dangling tag reference dropped, got %+v", char.Tags)
	}
	if char.ID != "winter-crown--characters--chr_1" {
		t.Errorf("unexpected record id %q", char.ID)
	}
}

func TestSnippetKeepsRuneBoundaries(t *testing.T) {
	// Multi-byte text on both sides of the window must never be cut
	// mid-rune: the snippet has to stay valid UTF-8.
	text := strings.Repeat("é", 100) + "mira voss" + strings.Repeat("ü", 100)

	snippet := snippetAround(text, "mira")
	if !utf8.ValidString(snippet) {
		t.Fatalf("snippet is not valid UTF-8: %q", snippet)
	}
	if !strings.Contains(snippet, "mira voss") {
		t.Errorf("snippet lost the match: %q", snippet)
	}

	// Same guarantee when the needle is absent and the head is truncated.
	head := snippetAround(strings.Repeat("é", 100), "zzz")
	if !utf8.ValidString(head) {
		t.Fatalf("truncated head is not valid UTF-8: %q", head)
	}
}
