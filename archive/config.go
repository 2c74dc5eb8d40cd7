package archive

import (
	ocispecv1 "github.com/opencontainers/image-spec/specs-go/v1"
)

// dockerManifestEntry is one element of a Docker-save manifest.json. The
// legacy layout and the image-spec config schema diverge here (Docker's
// manifest.json predates OCI), so this one shape has no ready-made type in
// opencontainers/image-spec and is decoded by hand.
type dockerManifestEntry struct {
	Config   string   `json:"Config"`
	RepoTags []string `json:"RepoTags"`
	Layers   []string `json:"Layers"`
}

// nonEmptyHistory returns history filtered to entries that actually
// produced a layer, in order. Empty-layer entries carry metadata only
// (e.g. an ENV or LABEL instruction) and must be skipped so the remainder
// aligns 1:1 with diff IDs.
func nonEmptyHistory(history []ocispecv1.History) []ocispecv1.History {
	var out []ocispecv1.History
	for _, h := range history {
		if !h.EmptyLayer {
			out = append(out, h)
		}
	}
	return out
}

// diffIDStrings converts an image config's rootfs diff IDs to plain
// "sha256:<hex>" strings.
func diffIDStrings(cfg *ocispecv1.Image) []string {
	out := make([]string, len(cfg.RootFS.DiffIDs))
	for i, d := range cfg.RootFS.DiffIDs {
		out[i] = d.String()
	}
	return out
}
