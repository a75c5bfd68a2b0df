package domain

// DerivativeKind names a class of generated image variant.
type DerivativeKind string

const (
	// DerivativeThumbnail is the small grid/list variant.
	DerivativeThumbnail DerivativeKind = "thumbnail"

	// DerivativePreview is the large inline-view variant.
	DerivativePreview DerivativeKind = "preview"
)

// DerivativeSpec identifies one derivative variant: a (kind, max-dimension,
// format) tuple. The set is finite and fixed at compile time; it is not
// user-extensible at runtime.
type DerivativeSpec struct {
	// Kind names the variant.
	Kind DerivativeKind

	// MaxDimension bounds the longer edge of the output in pixels.
	// Aspect ratio is always preserved.
	MaxDimension int

	// Quality is the JPEG encoder quality (1-100).
	Quality int
}

// ID returns the stable identifier used in storage keys and cache keys.
func (s DerivativeSpec) ID() string {
	return string(s.Kind)
}

// Derivative output is always JPEG: thumbnails and previews are display
// artifacts, and the original bytes are served unmodified on direct
// download paths.
var (
	// SpecThumbnail produces thumbnails with the longer edge at most 200px.
	SpecThumbnail = DerivativeSpec{Kind: DerivativeThumbnail, MaxDimension: 200, Quality: 75}

	// SpecPreview produces previews with the longer edge at most 1600px.
	SpecPreview = DerivativeSpec{Kind: DerivativePreview, MaxDimension: 1600, Quality: 85}
)

// DerivativeSpecs is the closed set of supported variants.
var DerivativeSpecs = []DerivativeSpec{SpecThumbnail, SpecPreview}

// DerivativeSpecByID resolves a spec identifier. Returns false for
// unknown identifiers.
func DerivativeSpecByID(id string) (DerivativeSpec, bool) {
	for _, s := range DerivativeSpecs {
		if s.ID() == id {
			return s, true
		}
	}
	return DerivativeSpec{}, false
}
