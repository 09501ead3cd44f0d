package agent

import "testing"

func TestExtractFollowupsFromSuggestionSection(t *testing.T) {
	content := `Total revenue was $1.2M, up 8% from last quarter.

Here are some follow-up questions you could explore:
1. How does revenue break down by region?
2. Which products drove the quarter-over-quarter growth?
- Compare this quarter against the same quarter last year`

	got := ExtractFollowups(content)
	if len(got) != 3 {
		t.Fatalf("expected 3 followups, got %d: %v", len(got), got)
	}
	if got[0] != "How does revenue break down by region?" {
		t.Errorf("unexpected first followup: %q", got[0])
	}
}

func TestExtractFollowupsIgnoresPlainLists(t *testing.T) {
	content := `The top regions were:
1. North with $500k
2. South with $300k
3. East with $200k`

	if got := ExtractFollowups(content); len(got) != 0 {
		t.Fatalf("result lists without a suggestion cue must not match, got %v", got)
	}
}

func TestExtractFollowupsSkipsCodeBlocks(t *testing.T) {
	content := "I suggest looking deeper.\n```sql\n1. SELECT * FROM sales\n```\n1. Break results down by month"

	got := ExtractFollowups(content)
	if len(got) != 1 || got[0] != "Break results down by month" {
		t.Fatalf("expected only the non-code item, got %v", got)
	}
}

func TestExtractFollowupsEmpty(t *testing.T) {
	if got := ExtractFollowups(""); got != nil {
		t.Fatalf("expected nil for empty content, got %v", got)
	}
}
