package model

// JobPayload is the accumulating payload carried through the stage queues.
// Each stage fills in the fields it produces; downstream stages read what
// they need. All cross-stage state lives here or in the durable stores.
type JobPayload struct {
	Fingerprint string `json:"fingerprint,omitempty"`
	URL         string `json:"url,omitempty"`
	// Text is the converted document, produced by the convert stage and
	// consumed by the segmenter.
	Text string `json:"text,omitempty"`
	// Paragraphs carries segment boundaries to the indexer and retrieval
	// context to the reflector.
	Paragraphs []string     `json:"paragraphs,omitempty"`
	Draft      *DraftRecord `json:"draft,omitempty"`
	RecordID   string       `json:"recordId,omitempty"`
	ChannelID  string       `json:"channelId,omitempty"`
	MessageID  string       `json:"messageId,omitempty"`
	Decision   Decision     `json:"decision,omitempty"`
	Patch      Patch        `json:"patch,omitempty"`
}
