package connect

import (
	"time"

	"golang.org/x/exp/slices"
)

const DefaultMaxStatusErrors = 50

// the aggregate sync state surfaced to the host
type SyncStatus struct {
	ConnectionState   ConnectionState
	IsOnline          bool
	IsSyncing         bool
	LastSync          time.Time
	PendingOperations int
	// ids of active conflicts
	Conflicts []string
	// most recent last
	Errors []string
}

func (self SyncStatus) Clone() SyncStatus {
	status := self
	status.Conflicts = slices.Clone(self.Conflicts)
	status.Errors = slices.Clone(self.Errors)
	return status
}

func (self SyncStatus) Equal(b SyncStatus) bool {
	return self.ConnectionState == b.ConnectionState &&
		self.IsOnline == b.IsOnline &&
		self.IsSyncing == b.IsSyncing &&
		self.LastSync.Equal(b.LastSync) &&
		self.PendingOperations == b.PendingOperations &&
		slices.Equal(self.Conflicts, b.Conflicts) &&
		slices.Equal(self.Errors, b.Errors)
}

type SyncStatusFunction = func(status SyncStatus)

// keeps the latest `maxErrors`
func appendStatusError(errs []string, err string, maxErrors int) []string {
	errs = append(slices.Clone(errs), err)
	if maxErrors < len(errs) {
		errs = errs[len(errs)-maxErrors:]
	}
	return errs
}
