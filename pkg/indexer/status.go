package indexer

import "fmt"

// IndexerStatus is the lifecycle state of a deployment.
type IndexerStatus string

const (
	StatusDraft     IndexerStatus = "draft"
	StatusDeploying IndexerStatus = "deploying"
	StatusDeployed  IndexerStatus = "deployed"
	StatusStopped   IndexerStatus = "stopped"
	StatusInvalid   IndexerStatus = "invalid"
)

var transitions = map[IndexerStatus][]IndexerStatus{
	StatusDraft:     {StatusDeploying, StatusInvalid},
	StatusDeploying: {StatusDeployed, StatusStopped, StatusInvalid},
	StatusDeployed:  {StatusStopped, StatusInvalid},
	StatusStopped:   {StatusDeploying, StatusInvalid},
	StatusInvalid:   {},
}

// IsValid returns true if s is a known status.
func (s IndexerStatus) IsValid() bool {
	_, ok := transitions[s]
	return ok
}

// IsTerminal returns true if no further transitions are possible without a redeploy.
func (s IndexerStatus) IsTerminal() bool {
	return s == StatusInvalid
}

// IsRunning returns true if a runtime exists for the status.
func (s IndexerStatus) IsRunning() bool {
	return s == StatusDeploying || s == StatusDeployed
}

func (s IndexerStatus) String() string {
	return string(s)
}

// CanTransition reports whether from -> to is a legal status change.
func CanTransition(from, to IndexerStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}

	return false
}

// ParseIndexerStatus converts a string into an IndexerStatus.
func ParseIndexerStatus(s string) (IndexerStatus, error) {
	status := IndexerStatus(s)
	if !status.IsValid() {
		return "", fmt.Errorf("invalid indexer status: %s", s)
	}

	return status, nil
}
