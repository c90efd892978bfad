package models

// Passage is one ranked retrieval hit. It is never persisted.
type Passage struct {
	Content  string         `json:"content"`
	Metadata map[string]any `json:"metadata,omitempty"`
	Score    float64        `json:"score"`
}
