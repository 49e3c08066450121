package botapi

// apiResponse is the Bot API envelope. Every method returns ok plus either
// a result payload or an error code/description pair.
type apiResponse struct {
	OK          bool           `json:"ok"`
	Result      messageResult  `json:"result"`
	ErrorCode   int            `json:"error_code,omitempty"`
	Description string         `json:"description,omitempty"`
	Parameters  *responseParam `json:"parameters,omitempty"`
}

type messageResult struct {
	MessageID int64 `json:"message_id"`
}

type responseParam struct {
	RetryAfter int `json:"retry_after,omitempty"`
}

// inlineKeyboard is the reply_markup payload carrying the variant's tagged
// buttons. Exactly one of URL or CallbackData is set per button.
type inlineKeyboard struct {
	InlineKeyboard [][]inlineButton `json:"inline_keyboard"`
}

type inlineButton struct {
	Text         string `json:"text"`
	URL          string `json:"url,omitempty"`
	CallbackData string `json:"callback_data,omitempty"`
}

// sendPayload is the request body shared by the send* methods. The media
// field name varies by method (photo, video, document, audio, voice) so it
// is filled dynamically.
type sendPayload map[string]interface{}
