package httpapi

// OKResponse acknowledges a state-changing request.
type OKResponse struct {
	OK bool `json:"ok"`
}

// SymbolResponse describes one dynamically managed symbol.
type SymbolResponse struct {
	Symbol  string `json:"symbol"`
	AddedBy string `json:"added_by"`
}

// DynamicSymbolsResponse lists symbols added after session start.
type DynamicSymbolsResponse struct {
	Symbols []SymbolResponse `json:"symbols"`
}

// CalendarRefreshResponse reports how many market days were merged.
type CalendarRefreshResponse struct {
	Days int `json:"days"`
}
