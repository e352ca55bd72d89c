package model

// Paragraph is one ordered text chunk of a document. Paragraphs are immutable
// once written; reprocessing under the same fingerprint supersedes them via
// upsert on (fingerprint, seq).
type Paragraph struct {
	Fingerprint string    `json:"fingerprint"`
	Seq         int       `json:"seq"`
	Text        string    `json:"text"`
	Embedding   []float32 `json:"embedding,omitempty"`
}
