package app

// Outcome is the terminal result of one capture session.
type Outcome string

const (
	// OutcomeSent means the webhook accepted the recording.
	OutcomeSent Outcome = "sent"

	// OutcomeQueued means every attempt failed and the recording was spooled.
	OutcomeQueued Outcome = "queued"

	// OutcomeFailed means the recording was rejected, could not be spooled,
	// or capture itself failed.
	OutcomeFailed Outcome = "failed"

	// OutcomeCancelled means shutdown interrupted the recording.
	OutcomeCancelled Outcome = "cancelled"

	// OutcomeNoSpeech means no voiced frame was heard before the cap.
	OutcomeNoSpeech Outcome = "no_speech"
)

// Message returns the user-facing notification text.
func (o Outcome) Message() string {
	switch o {
	case OutcomeSent:
		return "Audio enviado"
	case OutcomeQueued:
		return "Audio encolado por error de red"
	case OutcomeFailed:
		return "Error al enviar el audio"
	case OutcomeCancelled:
		return "Grabación cancelada"
	case OutcomeNoSpeech:
		return "No se detectó voz"
	default:
		return string(o)
	}
}
