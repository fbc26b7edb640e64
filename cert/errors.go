package cert

// Error conditions named in spec.md §3/§4.3, one zero-field struct per
// condition following the teacher's network/errors.go convention.

// HaveNewerCertError is returned when inserting a certificate older than
// one already held for the same (issuer, subject unique ID) pair.
type HaveNewerCertError struct{}

func (HaveNewerCertError) Error() string { return "cert: have a newer certificate for this subject" }

// InvalidSignatureError covers any primary, locator, or unique-ID proof
// signature that fails to verify.
type InvalidSignatureError struct{}

func (InvalidSignatureError) Error() string { return "cert: invalid signature" }

// InvalidSerialError is returned when the decoded serial does not match the
// digest of the certificate's canonical encoding.
type InvalidSerialError struct{}

func (InvalidSerialError) Error() string { return "cert: serial does not match digest" }

// ExpiredError is returned when the current time falls outside the
// certificate's validity window.
type ExpiredError struct{}

func (ExpiredError) Error() string { return "cert: outside validity window" }

// InvalidChainError is returned when no path to a locally trusted root
// exists within maxPathLength at each hop.
type InvalidChainError struct{}

func (InvalidChainError) Error() string { return "cert: no valid chain to a trusted root" }

// MalformedError covers structural decode failures (truncated fields, too
// many entries, and similar).
type MalformedError struct{ Reason string }

func (e MalformedError) Error() string { return "cert: malformed certificate: " + e.Reason }

// MissingUniqueIDProofError is returned when a subject carries a non-empty
// unique ID but no valid proof signature by the matching private key.
type MissingUniqueIDProofError struct{}

func (MissingUniqueIDProofError) Error() string {
	return "cert: subject unique ID present without a valid proof signature"
}

// NotFoundError is returned by Store.Chain when the starting serial is unknown.
type NotFoundError struct{}

func (NotFoundError) Error() string { return "cert: certificate not found" }
