package model

import "time"

// EmbeddingDim is the fixed dimensionality of name embeddings.
const EmbeddingDim = 384

// Franchisor is a canonical business entity. The canonical name is unique
// across all franchisors; the embedding is recomputed whenever the canonical
// name changes.
type Franchisor struct {
	ID             string     `json:"id"`
	CanonicalName  string     `json:"canonical_name"`
	ParentCompany  string     `json:"parent_company,omitempty"`
	Phone          string     `json:"phone,omitempty"`
	Email          string     `json:"email,omitempty"`
	Website        string     `json:"website,omitempty"`
	AlternateNames []string   `json:"alternate_names,omitempty"`
	NameEmbedding  []float32  `json:"name_embedding,omitempty"`
	Tentative      bool       `json:"tentative"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// FranchisorMatch pairs a candidate franchisor with its cosine similarity
// to the name being resolved.
type FranchisorMatch struct {
	Franchisor Franchisor `json:"franchisor"`
	Similarity float64    `json:"similarity"`
}

// Resolution is the outcome of entity resolution for one candidate name.
type Resolution struct {
	FranchisorID string            `json:"franchisor_id"`
	Kind         MatchKind         `json:"kind"`
	Candidates   []FranchisorMatch `json:"candidates,omitempty"`
}
