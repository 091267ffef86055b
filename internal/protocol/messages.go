package protocol

import "time"

// Recognition is broadcast after a successful speech or sign recognition. The sign
// animation player subscribes to the speech subject to render the gloss sequence.
type Recognition struct {
	RequestID    string    `json:"request_id"`
	Kind         string    `json:"kind"`
	Text         string    `json:"text"`
	SignLanguage string    `json:"sign_language,omitempty"`
	Sentence     string    `json:"sentence,omitempty"`
	Label        string    `json:"label,omitempty"`
	SessionID    string    `json:"session_id,omitempty"`
	Confidence   float64   `json:"confidence,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// FeedbackCreated announces a stored feedback record.
type FeedbackCreated struct {
	ID        string    `json:"id"`
	Rating    int       `json:"rating"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	KindSpeech = "speech"
	KindSign   = "sign"
)

// Subjects are relative to the configured prefix.
const (
	SubjectSpeechRecognized = "recognition.speech"
	SubjectSignRecognized   = "recognition.sign"
	SubjectFeedbackCreated  = "feedback.created"
)
