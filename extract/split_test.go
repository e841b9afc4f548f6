package extract

import (
	"strings"
	"testing"
)

func TestSplitTextSentenceBoundary(t *testing.T) {
	first := strings.Repeat("a", 180) + "."
	second := strings.Repeat("b", 190)
	text := first + " " + second

	a, b := SplitText(text)
	if !strings.HasSuffix(a, ".") {
		t.Errorf("first half should end at the sentence boundary, got %q", a[len(a)-10:])
	}
	if b != second {
		t.Errorf("second half: got %q, want %q", b[:10], second[:10])
	}
	if a+" "+b != text {
		t.Error("halves do not reconstruct the original")
	}
}

func TestSplitTextCommaFallback(t *testing.T) {
	first := strings.Repeat("a", 150) + ","
	second := strings.Repeat("b", 160)
	text := first + " " + second

	a, b := SplitText(text)
	if !strings.HasSuffix(a, ",") {
		t.Errorf("expected comma boundary, got %q", a[len(a)-5:])
	}
	if b != second {
		t.Errorf("second half mismatch")
	}
}

func TestSplitTextSpaceFallback(t *testing.T) {
	text := strings.Repeat("x", 100) + " " + strings.Repeat("y", 101)
	a, b := SplitText(text)
	if strings.Contains(a, "y") || strings.Contains(b, "x") {
		t.Errorf("split crossed the space: %q | %q", a, b)
	}
}

func TestSplitTextHardSplit(t *testing.T) {
	text := strings.Repeat("z", 300)
	a, b := SplitText(text)
	if len(a) == 0 || len(b) == 0 {
		t.Fatalf("hard split produced an empty half: %d/%d", len(a), len(b))
	}
	if a+b != text {
		t.Error("hard split lost characters")
	}
}

func TestSplitWords(t *testing.T) {
	head, rest, ok := SplitWords("one two three four five", 3)
	if !ok {
		t.Fatal("expected a split")
	}
	if head != "one two three" {
		t.Errorf("head = %q", head)
	}
	if rest != "four five" {
		t.Errorf("rest = %q", rest)
	}
}

func TestSplitWordsTooShort(t *testing.T) {
	if _, _, ok := SplitWords("one two three", 3); ok {
		t.Error("expected no split for exactly n words")
	}
	if _, _, ok := SplitWords("one two", 3); ok {
		t.Error("expected no split for fewer than n words")
	}
	if _, _, ok := SplitWords("only trailing spaces   ", 3); ok {
		t.Error("trailing whitespace must not count as a remainder")
	}
}

func TestSplitWordsNoTruncation(t *testing.T) {
	text := "alpha beta gamma delta epsilon zeta"
	for n := 1; n < 6; n++ {
		head, rest, ok := SplitWords(text, n)
		if !ok {
			t.Fatalf("n=%d: expected split", n)
		}
		if got := len(strings.Fields(head)); got != n {
			t.Errorf("n=%d: head has %d words", n, got)
		}
		joined := strings.Fields(head)
		joined = append(joined, strings.Fields(rest)...)
		if strings.Join(joined, " ") != text {
			t.Errorf("n=%d: words lost or truncated: %q + %q", n, head, rest)
		}
	}
}
