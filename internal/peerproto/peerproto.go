// Package peerproto defines the JSON payload shared by the peer
// server's REQUEST_METADATA response (spec §4.3).
package peerproto

import "github.com/chunkswarm/chunkswarm/internal/chunkstore"

// FileNotFound and MetadataNotAvailable are the literal text
// responses for REQUEST_METADATA failure paths (spec §4.3).
const (
	FileNotFound         = "FILE_NOT_FOUND"
	MetadataNotAvailable = "METADATA_NOT_AVAILABLE"
	ChunkNotFound        = "CHUNK_NOT_FOUND"
	Pong                 = "PONG"
)

// Metadata is the JSON shape returned by REQUEST_METADATA: identical
// fields to chunkstore.FileMetadata, kept as a distinct type so the
// wire contract doesn't silently change if the internal store's
// struct tags ever do.
type Metadata struct {
	Size   int64                  `json:"size"`
	Digest string                 `json:"checksum"`
	Chunks []chunkstore.ChunkInfo `json:"chunks"`
}

// FromChunkStore converts a chunkstore.FileMetadata into its wire
// representation.
func FromChunkStore(m chunkstore.FileMetadata) Metadata {
	return Metadata{Size: m.Size, Digest: m.Digest, Chunks: m.Chunks}
}
