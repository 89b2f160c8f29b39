package speech

import (
	"testing"
)

func TestSegmentCoversText(t *testing.T) {
	texts := []string{
		"Hello world. Goodbye now.",
		"  Leading space. Then more!  ",
		"\n\nStarts with blank lines. Ends here",
		"One line\nsecond line\n\nNew paragraph? Yes!\n",
		"Pi is 3.14 today. Really.",
		"Quoted \"sentence.\" Next one.",
		"नमस्ते। आप कैसे हैं?",
		"   ",
		"no terminator at all",
	}
	for _, text := range texts {
		bounds := Segment(text)
		if len(bounds) == 0 {
			t.Fatalf("%q: expected at least one boundary", text)
		}
		if bounds[0].Start != 0 {
			t.Fatalf("%q: first boundary starts at %d", text, bounds[0].Start)
		}
		for i := 1; i < len(bounds); i++ {
			if bounds[i].Start != bounds[i-1].End {
				t.Fatalf("%q: gap or overlap between %v and %v", text, bounds[i-1], bounds[i])
			}
			if bounds[i].Start >= bounds[i].End {
				t.Fatalf("%q: empty boundary %v", text, bounds[i])
			}
		}
		if last := bounds[len(bounds)-1]; last.End != len(text) {
			t.Fatalf("%q: last boundary ends at %d, want %d", text, last.End, len(text))
		}
	}
}

func TestSegmentEmpty(t *testing.T) {
	if got := Segment(""); len(got) != 0 {
		t.Fatalf("expected no boundaries, got %v", got)
	}
}

func TestSegmentTwoSentences(t *testing.T) {
	text := "Hello world. Goodbye now."
	bounds := Segment(text)
	if len(bounds) != 2 {
		t.Fatalf("expected 2 sentences, got %v", bounds)
	}
	if got := text[bounds[0].Start:bounds[0].End]; got != "Hello world. " {
		t.Fatalf("unexpected first sentence %q", got)
	}
	if got := text[bounds[1].Start:bounds[1].End]; got != "Goodbye now." {
		t.Fatalf("unexpected second sentence %q", got)
	}
	if idx := StartIndices(bounds); idx[0] != 0 || idx[1] != 13 {
		t.Fatalf("unexpected start indices %v", idx)
	}
}

func TestSegmentKeepsDecimals(t *testing.T) {
	if got := Segment("Pi is 3.14 today."); len(got) != 1 {
		t.Fatalf("expected one sentence, got %v", got)
	}
}

func TestEndsParagraph(t *testing.T) {
	text := "First paragraph.\n\nSecond one. Still second."
	bounds := Segment(text)
	if len(bounds) != 3 {
		t.Fatalf("expected 3 sentences, got %v", bounds)
	}
	if !EndsParagraph(text, bounds[0]) {
		t.Fatal("expected first sentence to end a paragraph")
	}
	if EndsParagraph(text, bounds[1]) {
		t.Fatal("second sentence does not end a paragraph")
	}
}
