package ir

// Version constants for the journal format and kernel.
const (
	// JournalFormat is bumped whenever record body shapes change.
	JournalFormat = "1"

	// KernelVersion is the worldline kernel version.
	KernelVersion = "0.1.0"
)
