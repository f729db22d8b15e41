package models

import "fmt"

// FriendlyMessage maps (state, progress) onto the text shown to polling
// clients. Pure function, no clock, no I/O.
func FriendlyMessage(state string, progress int) string {
	switch state {
	case StatePending:
		return "Your request is queued and will start shortly."
	case StateProcessing:
		switch {
		case progress < 15:
			return "Preparing your submission."
		case progress < 60:
			return fmt.Sprintf("Generating documents (%d%%).", progress)
		case progress < 80:
			return "Rendering previews."
		case progress < 95:
			return "Uploading documents."
		default:
			return "Finishing up."
		}
	case StateAwaitingPayment:
		return "Your documents are ready and awaiting payment."
	case StateCompleted:
		return "Your documents are ready."
	case StateFailed:
		return "Document generation failed. Our team has been notified."
	default:
		return "Unknown request state."
	}
}
