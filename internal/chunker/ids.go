package chunker

import (
	"crypto/sha256"
	"fmt"

	"github.com/google/uuid"
)

// namespace scopes all chunk and document UUIDs generated by this service.
var namespace = uuid.MustParse("3f2c9a7e-5b1d-4e8a-9c6f-2d7b8e1a4c50")

// ChunkID returns the deterministic id of a chunk position within a document.
func ChunkID(documentID string, pageNumber, chunkIndex int) string {
	return uuid.NewSHA1(namespace, fmt.Appendf(nil, "%s-%d-%d", documentID, pageNumber, chunkIndex)).String()
}

// DocumentID derives a content-addressed document id from file bytes, so the same file
// always maps to the same document.
func DocumentID(content []byte) string {
	sum := sha256.Sum256(content)
	return uuid.NewSHA1(namespace, sum[:]).String()
}
