package document

import (
	"errors"
	"fmt"
)

// AnnotationType enumerates the closed set of supported annotation types.
type AnnotationType string

const (
	AnnotationTypeBold          AnnotationType = "bold"
	AnnotationTypeItalic        AnnotationType = "italic"
	AnnotationTypeUnderline     AnnotationType = "underline"
	AnnotationTypeStrikethrough AnnotationType = "strikethrough"
	AnnotationTypeCode          AnnotationType = "code"
	AnnotationTypeBlock         AnnotationType = "block"
	AnnotationTypeImage         AnnotationType = "image"
	AnnotationTypeLink          AnnotationType = "link"
	AnnotationTypeReference     AnnotationType = "reference"
	AnnotationTypeMetadata      AnnotationType = "metadata"
	AnnotationTypeCustom        AnnotationType = "custom"
)

var annotationTypes = map[AnnotationType]struct{}{
	AnnotationTypeBold:          {},
	AnnotationTypeItalic:        {},
	AnnotationTypeUnderline:     {},
	AnnotationTypeStrikethrough: {},
	AnnotationTypeCode:          {},
	AnnotationTypeBlock:         {},
	AnnotationTypeImage:         {},
	AnnotationTypeLink:          {},
	AnnotationTypeReference:     {},
	AnnotationTypeMetadata:      {},
	AnnotationTypeCustom:        {},
}

var (
	// ErrInvalidAnnotation indicates an annotation failed boundary validation.
	ErrInvalidAnnotation = errors.New("document: invalid annotation")
	// ErrInvalidDocument indicates a flat document failed boundary validation.
	ErrInvalidDocument = errors.New("document: invalid document")
)

// Annotation is a typed, offset-scoped decoration over flat text content.
// Offsets index the content as a flat sequence; Start is inclusive, End
// exclusive, and annotations overlay the text rather than partition it.
type Annotation struct {
	Start      int            `json:"start"`
	End        int            `json:"end"`
	Type       AnnotationType `json:"type"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// Validate rejects malformed annotations before they can reach a merge.
func (annotation Annotation) Validate() error {
	if annotation.Start < 0 {
		return fmt.Errorf("%w: negative start %d", ErrInvalidAnnotation, annotation.Start)
	}
	if annotation.Start >= annotation.End {
		return fmt.Errorf("%w: start %d not before end %d", ErrInvalidAnnotation, annotation.Start, annotation.End)
	}
	if _, ok := annotationTypes[annotation.Type]; !ok {
		return fmt.Errorf("%w: unknown type %q", ErrInvalidAnnotation, annotation.Type)
	}
	return nil
}

// Document is the flat public shape consumed by rendering and by peers.
type Document struct {
	Content     string       `json:"content"`
	Annotations []Annotation `json:"annotations"`
}

// Validate checks every annotation against the content bounds.
func (doc Document) Validate() error {
	contentLength := len([]rune(doc.Content))
	for _, annotation := range doc.Annotations {
		if err := annotation.Validate(); err != nil {
			return err
		}
		if annotation.End > contentLength {
			return fmt.Errorf("%w: annotation end %d exceeds content length %d", ErrInvalidDocument, annotation.End, contentLength)
		}
	}
	return nil
}
