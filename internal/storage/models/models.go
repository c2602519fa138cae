package models

import "time"

// SearchLog is one classification call as recorded for later tuning.
type SearchLog struct {
	ID             string
	SessionID      string
	Query          string
	Context        []string
	Status         string
	Stage          string
	TopCode        string
	TopConfidence  float64
	CandidateCount int
	Rounds         int
	LatencyMS      int
	CreatedAt      time.Time
}

// Selection is the code a user finally picked for a search.
type Selection struct {
	ID        int64
	SearchID  string
	HSCode    string
	UserID    string
	WasTop    bool
	CreatedAt time.Time
}

type EvaluationRun struct {
	ID         string
	Dataset    string
	Total      int
	Top1Hits   int
	Top5Hits   int
	NoMatch    int
	NeedInfo   int
	Top1       float64
	Top5       float64
	DurationMS int
	CreatedAt  time.Time
}
