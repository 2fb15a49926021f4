// Package signature locates candidate embedded
// objects within a blob by their magic values.
package signature

import (
	"bytes"
	"cmp"
	"context"
	"slices"
)

type (
	// Candidate describes a possible embedded
	// object found within a blob.
	Candidate struct {
		// Offset is the position the object is
		// believed to start at.
		Offset int

		// Format is the format identifier used to
		// look up the extractors for the object.
		Format string

		// SizeHint optionally specifies the size of
		// the object when it can be cheaply derived
		// from its header.
		SizeHint *int

		// Description is a short human readable
		// description of the match.
		Description string
	}

	// Signature describes how a format is
	// recognised.
	Signature struct {
		// Format specifies the format identifier
		// reported for matches.
		Format string

		// Magic specifies the byte sequence that
		// identifies the format.
		Magic []byte

		// MagicOffset specifies the distance between
		// the start of the object and its magic.
		MagicOffset int

		// Description specifies a short human
		// readable description of the format.
		Description string

		// Anchor optionally overrides MagicOffset
		// for formats whose start is derived from
		// the matched structure, such as a trailer.
		Anchor func(blob []byte, match int) (int, bool)

		// Size optionally derives the object size
		// from the data at offset.
		Size func(blob []byte, offset int) *int
	}

	// Matcher defines a source of candidates
	// for a blob.
	Matcher interface {
		Match(ctx context.Context, blob []byte) ([]Candidate, error)
	}
)

// MagicMatcher is a Matcher that reports
// every occurrence of a set of Signatures.
type MagicMatcher struct {
	signatures []Signature
}

// NewMagicMatcher constructs a MagicMatcher
// for the supplied signatures, signatures
// with an empty magic or format are ignored.
func NewMagicMatcher(signatures ...Signature) *MagicMatcher {
	matcher := &MagicMatcher{}

	for _, sig := range signatures {
		if len(sig.Magic) == 0 || len(sig.Format) == 0 {
			continue
		}

		matcher.signatures = append(matcher.signatures, sig)
	}

	return matcher
}

// Formats returns the formats this matcher
// can report.
func (matcher *MagicMatcher) Formats() []string {
	formats := make([]string, 0, len(matcher.signatures))
	for _, sig := range matcher.signatures {
		if !slices.Contains(formats, sig.Format) {
			formats = append(formats, sig.Format)
		}
	}

	return formats
}

// Filter returns a MagicMatcher holding only the
// signatures whose format passes keep.
func (matcher *MagicMatcher) Filter(keep func(format string) bool) *MagicMatcher {
	filtered := &MagicMatcher{}
	for _, sig := range matcher.signatures {
		if keep(sig.Format) {
			filtered.signatures = append(filtered.signatures, sig)
		}
	}

	return filtered
}

// Match reports every candidate found in
// blob, sorted by offset and then format.
func (matcher *MagicMatcher) Match(ctx context.Context, blob []byte) ([]Candidate, error) {
	type key struct {
		offset int
		format string
	}

	var (
		candidates []Candidate
		seen       = make(map[key]struct{})
	)

	for _, sig := range matcher.signatures {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		for pos := 0; pos <= len(blob)-len(sig.Magic); {
			i := bytes.Index(blob[pos:], sig.Magic)
			if i == -1 {
				break
			}

			match := pos + i
			pos = match + 1

			offset, ok := match-sig.MagicOffset, true
			if sig.Anchor != nil {
				offset, ok = sig.Anchor(blob, match)
			}

			if !ok || offset < 0 || offset >= len(blob) {
				continue
			}

			k := key{offset: offset, format: sig.Format}
			if _, dup := seen[k]; dup {
				continue
			}
			seen[k] = struct{}{}

			candidate := Candidate{
				Offset:      offset,
				Format:      sig.Format,
				Description: sig.Description,
			}

			if sig.Size != nil {
				candidate.SizeHint = sig.Size(blob, offset)
			}

			candidates = append(candidates, candidate)
		}
	}

	slices.SortFunc(candidates, func(a, b Candidate) int {
		return cmp.Or(cmp.Compare(a.Offset, b.Offset), cmp.Compare(a.Format, b.Format))
	})

	return candidates, nil
}
