package payment

// reconcileStatus applies an authoritative backend status to the current
// attempt status. The backend wins over the SDK, except while a fallback
// rail owns the payment; such disagreements are reported as conflicts.
func reconcileStatus(current Status, backend PaymentStatus) (next Status, conflict bool) {
	switch backend {
	case PaymentStatusSuccess:
		switch current {
		case StatusFallbackInProgress, StatusFallbackSucceeded:
			return current, true
		default:
			return StatusVerified, false
		}
	case PaymentStatusFailed:
		switch current {
		case StatusSucceeded:
			return StatusFailed, true
		case StatusVerified:
			return current, true
		}
	}
	return current, false
}
