package hintdoc

import (
	"strings"
	"testing"

	"blockbackup/internal/blockimage"
)

func TestParseSkipsBlankAndCommentLines(t *testing.T) {
	doc := "# dirty regions\n\n4194304,4\n# trailing comment\n8388608,1024\n"
	hints, err := Parse(strings.NewReader(doc))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	want := []blockimage.HintRange{
		{Offset: 4194304, Length: 4},
		{Offset: 8388608, Length: 1024},
	}
	if len(hints) != len(want) {
		t.Fatalf("hints = %v, want %v", hints, want)
	}
	for i := range want {
		if hints[i] != want[i] {
			t.Fatalf("hints[%d] = %+v, want %+v", i, hints[i], want[i])
		}
	}
}

func TestParseRejectsMalformedLine(t *testing.T) {
	if _, err := Parse(strings.NewReader("not-a-pair\n")); err == nil {
		t.Fatal("expected error for malformed line")
	}
}

func TestParseEmptyDocument(t *testing.T) {
	hints, err := Parse(strings.NewReader(""))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(hints) != 0 {
		t.Fatalf("hints = %v, want empty", hints)
	}
}
