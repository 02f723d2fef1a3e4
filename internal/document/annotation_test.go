package document

import (
	"errors"
	"testing"
)

func TestAnnotationTypeWireNames(t *testing.T) {
	// The type set is a wire contract shared with heterogeneous notebooks;
	// renaming a value silently breaks every peer built against it.
	wireNames := []AnnotationType{
		"bold",
		"italic",
		"underline",
		"strikethrough",
		"code",
		"block",
		"image",
		"link",
		"reference",
		"metadata",
		"custom",
	}
	for _, name := range wireNames {
		annotation := Annotation{Start: 0, End: 1, Type: name}
		if err := annotation.Validate(); err != nil {
			t.Fatalf("wire name %q must validate: %v", name, err)
		}
	}

	unknown := Annotation{Start: 0, End: 1, Type: "italics"}
	if err := unknown.Validate(); !errors.Is(err, ErrInvalidAnnotation) {
		t.Fatalf("expected an unknown type to be rejected, got %v", err)
	}
}

func TestAnnotationValidateRejectsBadBounds(t *testing.T) {
	tests := []struct {
		name       string
		annotation Annotation
	}{
		{name: "negative start", annotation: Annotation{Start: -1, End: 2, Type: AnnotationTypeBold}},
		{name: "empty range", annotation: Annotation{Start: 3, End: 3, Type: AnnotationTypeBold}},
		{name: "inverted range", annotation: Annotation{Start: 4, End: 2, Type: AnnotationTypeBold}},
	}
	for _, tc := range tests {
		if err := tc.annotation.Validate(); !errors.Is(err, ErrInvalidAnnotation) {
			t.Fatalf("%s: expected rejection, got %v", tc.name, err)
		}
	}
}
