package botapi

type Profile struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Title    string `json:"title,omitempty"`
}

func (p *Profile) IsBot() bool { return p != nil && p.Title == "BOT" }

type OngoingGame struct {
	GameID   string `json:"gameId"`
	FullID   string `json:"fullId,omitempty"`
	IsMyTurn bool   `json:"isMyTurn"`
}

type ongoingResponse struct {
	NowPlaying []OngoingGame `json:"nowPlaying"`
}

// AnalysisRequest carries one ply of a post-game evaluation.
type AnalysisRequest struct {
	Username string         `json:"username"`
	Ply      int            `json:"ply"`
	Color    string         `json:"color"`
	Info     map[string]any `json:"info"`
}
