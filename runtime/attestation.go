package runtime

// QuoteInfo is returned by InitQuote.
type QuoteInfo struct {
	// TargetInfo identifies the quoting enclave; a report must be targeted at
	// it to be convertible into a quote.
	TargetInfo []byte

	// GroupID is the EPID group of the platform, used by callers to look up
	// the signature revocation list.
	GroupID [4]byte
}

type QuoteOptions struct {
	// Linkable selects the linkable EPID signature mode. Unlinkable quotes
	// cannot be correlated across attestations.
	Linkable bool

	// SPID is the service provider ID registered with the attestation service.
	SPID []byte

	// RevocationList is the signature revocation list for the platform's
	// group. It is never fetched automatically: a nil list means revocation
	// status goes unchecked.
	RevocationList []byte
}
