// Package models defines the statistics sink entities.
package models

// RequestRecord is one authoritative request outcome reported to the sink.
type RequestRecord struct {
	Success      bool
	InputTokens  int
	OutputTokens int
	CostUSD      float64
	Model        string
}

// ModelUsage tallies invocations and cost per model identifier.
type ModelUsage struct {
	Count   int     `json:"count"`
	CostUSD float64 `json:"cost_usd"`
}

// Daily is one rollup row keyed by date (YYYY-MM-DD).
type Daily struct {
	Date         string         `json:"date"`
	Total        int            `json:"total"`
	Successful   int            `json:"successful"`
	Failed       int            `json:"failed"`
	InputTokens  int            `json:"input_tokens"`
	OutputTokens int            `json:"output_tokens"`
	CostUSD      float64        `json:"cost_usd"`
	Models       map[string]int `json:"models"`
}

// Requests is the process-wide request counter block.
type Requests struct {
	Total      int `json:"total"`
	Successful int `json:"successful"`
	Failed     int `json:"failed"`
}

// Tokens is the process-wide token counter block.
type Tokens struct {
	TotalInput  int `json:"total_input"`
	TotalOutput int `json:"total_output"`
}

// Costs is the process-wide cost block.
type Costs struct {
	TotalUSD float64 `json:"total_usd"`
}

// Aggregate is the full aggregate view returned by the store.
type Aggregate struct {
	Requests Requests              `json:"requests"`
	Tokens   Tokens                `json:"tokens"`
	Costs    Costs                 `json:"costs"`
	Models   map[string]ModelUsage `json:"models"`
}
