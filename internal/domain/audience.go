package domain

// AudienceMember is one candidate recipient produced by the audience
// resolver. Resolver order is significant: the sampler takes a positional
// prefix and splits it by index parity.
type AudienceMember struct {
	UserID    int64 `json:"user_id"`
	ChatID    int64 `json:"chat_id"`
	Reachable bool  `json:"reachable"`
}
