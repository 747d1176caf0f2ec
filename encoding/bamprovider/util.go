package bamprovider

import (
	"github.com/grailbio/hts/sam"
)

// RefByName finds a sam.Reference with the given name. It returns nil if a
// reference is not found.
func RefByName(h *sam.Header, refName string) *sam.Reference {
	for _, ref := range h.Refs() {
		if ref.Name() == refName {
			return ref
		}
	}
	return nil
}

// RefNames lists the reference names of h in header order.
func RefNames(h *sam.Header) []string {
	refs := h.Refs()
	names := make([]string, len(refs))
	for i, ref := range refs {
		names[i] = ref.Name()
	}
	return names
}
