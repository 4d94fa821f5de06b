package topics

import (
	"reflect"
	"regexp"
	"testing"
)

var known = []string{"/a/b", "/b/c", "/b/d", "/c/d"}

func TestAddExact(t *testing.T) {
	sel := NewSelection()

	if !sel.AddExact("/a/b") {
		t.Fatalf("first AddExact returned false")
	}
	if sel.AddExact("/a/b") {
		t.Fatalf("duplicate AddExact returned true")
	}

	got := sel.Resolve(known)
	if !reflect.DeepEqual(got, []string{"/a/b"}) {
		t.Fatalf("Resolve mismatch: %v", got)
	}
}

func TestAddRegexCountsMatches(t *testing.T) {
	sel := NewSelection()

	if n := sel.AddRegex(regexp.MustCompile("/b.*"), known); n != 2 {
		t.Fatalf("AddRegex expected 2, got %d", n)
	}
	if n := sel.AddRegex(regexp.MustCompile("/b.*"), known); n != 0 {
		t.Fatalf("repeated AddRegex expected 0, got %d", n)
	}

	got := sel.Resolve(known)
	if !reflect.DeepEqual(got, []string{"/b/c", "/b/d"}) {
		t.Fatalf("Resolve mismatch: %v", got)
	}
}

func TestRegexMatchesWholeTopicName(t *testing.T) {
	p := Regex(regexp.MustCompile("/b.*"))
	if p.Matches("/a/b") {
		t.Fatalf("pattern /b.* matched /a/b by substring")
	}
	if !p.Matches("/b/c") {
		t.Fatalf("pattern /b.* did not match /b/c")
	}

	sel := NewSelection()
	if n := sel.AddRegex(regexp.MustCompile("/b.*"), known); n != 2 {
		t.Fatalf("AddRegex expected 2, got %d", n)
	}
	if sel.IsSelected("/a/b") {
		t.Fatalf("substring match selected /a/b")
	}
}

func TestRemoveBeforeAnyAddSeedsEverything(t *testing.T) {
	sel := NewSelection()

	if !sel.RemoveExact("/a/b", known) {
		t.Fatalf("RemoveExact returned false")
	}

	got := sel.Resolve(known)
	if !reflect.DeepEqual(got, []string{"/b/c", "/b/d", "/c/d"}) {
		t.Fatalf("Resolve mismatch: %v", got)
	}
}

func TestRemoveRegexAfterAdds(t *testing.T) {
	sel := NewSelection()
	for _, topic := range known {
		sel.AddExact(topic)
	}

	if n := sel.RemoveRegex(regexp.MustCompile("/b.*"), known); n != 2 {
		t.Fatalf("RemoveRegex expected 2, got %d", n)
	}

	got := sel.Resolve(known)
	if !reflect.DeepEqual(got, []string{"/a/b", "/c/d"}) {
		t.Fatalf("Resolve mismatch: %v", got)
	}
}

func TestRemoveUnknownTopic(t *testing.T) {
	sel := NewSelection()
	sel.AddExact("/a/b")

	if sel.RemoveExact("/does/not/exist", known) {
		t.Fatalf("RemoveExact of unselected topic returned true")
	}
}

func TestAddAfterRegexRemoveWinsBack(t *testing.T) {
	sel := NewSelection()
	for _, topic := range known {
		sel.AddExact(topic)
	}
	sel.RemoveRegex(regexp.MustCompile("/b.*"), known)

	if !sel.AddExact("/b/c") {
		t.Fatalf("AddExact after regex remove returned false")
	}
	if !sel.IsSelected("/b/c") {
		t.Fatalf("topic is not selected after re-add")
	}
	if sel.IsSelected("/b/d") {
		t.Fatalf("still-removed topic is selected")
	}
}

func TestDefaultAllowWithoutAdds(t *testing.T) {
	sel := NewSelection()

	if !sel.IsSelected("/anything") {
		t.Fatalf("empty selection must allow everything")
	}
	got := sel.Resolve(known)
	if !reflect.DeepEqual(got, known) {
		t.Fatalf("Resolve mismatch: %v", got)
	}
}

func TestRegexSelectsLaterTopics(t *testing.T) {
	sel := NewSelection()
	sel.AddRegex(regexp.MustCompile("^/sensors/.*"), nil)

	if !sel.IsSelected("/sensors/pressure") {
		t.Fatalf("regex include must match topics advertised later")
	}
	if sel.IsSelected("/other") {
		t.Fatalf("non-matching topic selected")
	}
}

func TestNeedsWildcard(t *testing.T) {
	sel := NewSelection()
	if !sel.NeedsWildcard() {
		t.Fatalf("empty selection needs wildcard subscription")
	}

	sel.AddExact("/a/b")
	if sel.NeedsWildcard() {
		t.Fatalf("exact-only selection must not need wildcard")
	}

	sel.AddRegex(regexp.MustCompile("/b.*"), known)
	if !sel.NeedsWildcard() {
		t.Fatalf("regex selection needs wildcard subscription")
	}
}
