package cache

import "encoding/json"

// ImageRef is a pre-fetched image reference attached to a record's payload.
type ImageRef struct {
	Thumb string `msgpack:"thumb"`
	Image string `msgpack:"image"`
}

// Payload is the auxiliary, mostly-opaque data fetched alongside a record's
// core document. Only Summary and Images are typed; everything else rides
// along as opaque bytes so the core never needs the full upstream schema.
type Payload struct {
	Summary *string         `msgpack:"summary,omitempty"`
	Images  []ImageRef      `msgpack:"images,omitempty"`
	Raw     json.RawMessage `msgpack:"raw,omitempty"`
}

// Record is a single structured document held in the snapshot.
//
// Name is the unique, case-sensitive canonical name. ChemicalClass,
// PsychoactiveClass and Tags are the three indexed tag families; everything
// else about the record's shape is opaque to the core.
type Record struct {
	Name              string   `msgpack:"name"`
	URL               string   `msgpack:"url,omitempty"`
	ChemicalClass     []string `msgpack:"chemical_class,omitempty"`
	PsychoactiveClass []string `msgpack:"psychoactive_class,omitempty"`
	Tags              []string `msgpack:"tag,omitempty"`
	CrossReferences   []string `msgpack:"cross_references,omitempty"`
	Payload           Payload  `msgpack:"payload,omitempty"`
}

// Stub returns a name-only placeholder record for a cross-reference target
// that isn't present in the snapshot. It is never inserted into a snapshot;
// callers build it fresh at query time for ResolveCrossReferences.
func Stub(name, url string) Record {
	return Record{Name: name, URL: url}
}
