package vl2

// InvalidConfigError reports a NETWORK_CONFIG reply that failed to decode
// or verify.
type InvalidConfigError struct{}

func (InvalidConfigError) Error() string { return "vl2: invalid network config" }

// TooManyRulesError reports a rules table exceeding ZT_MAX_NETWORK_RULES.
type TooManyRulesError struct{}

func (TooManyRulesError) Error() string { return "vl2: too many rules" }

// TooManyCapabilitiesError reports a capability table exceeding
// ZT_MAX_NETWORK_CAPABILITIES.
type TooManyCapabilitiesError struct{}

func (TooManyCapabilitiesError) Error() string { return "vl2: too many capabilities" }

// TooManyTagsError reports a tag table exceeding ZT_MAX_NETWORK_TAGS.
type TooManyTagsError struct{}

func (TooManyTagsError) Error() string { return "vl2: too many tags" }

// TooManyCertificatesOfOwnershipError reports a COO set exceeding
// ZT_MAX_CERTIFICATES_OF_OWNERSHIP.
type TooManyCertificatesOfOwnershipError struct{}

func (TooManyCertificatesOfOwnershipError) Error() string {
	return "vl2: too many certificates of ownership"
}

// InvalidCredentialError reports a credential that failed signature,
// expiry, or ordering checks, spec.md §7 "credential" error kind.
type InvalidCredentialError struct{}

func (InvalidCredentialError) Error() string { return "vl2: invalid credential" }

// RevokedCredentialError reports a credential invalidated by a Revocation,
// spec.md §4.6 "on revocation receipt, the credential is invalidated
// immediately".
type RevokedCredentialError struct{}

func (RevokedCredentialError) Error() string { return "vl2: credential revoked" }

// DecodeError reports a malformed wire encoding of a VL2 object.
type DecodeError struct{ Reason string }

func (e DecodeError) Error() string { return "vl2: decode error: " + e.Reason }
