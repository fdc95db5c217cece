package credits

// Notifier receives quota snapshots after every state change: a grant,
// a finalization, or an expiry reclamation. Implementations must not block;
// the engine calls them synchronously after the transaction commits.
type Notifier interface {
	CreditsUpdated(status *Status)
}

// NopNotifier discards all updates.
type NopNotifier struct{}

// CreditsUpdated does nothing.
func (NopNotifier) CreditsUpdated(*Status) {}

var _ Notifier = (*NopNotifier)(nil)
