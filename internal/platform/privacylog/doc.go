// Package privacylog keeps secrets and linkable identifiers out of logs.
//
// Attributes whose keys name secret material (passwords, mnemonics,
// plaintext, private or chain keys) are replaced with "[REDACTED]". Device,
// peer, session and conversation identifiers are replaced with a fingerprint
// salted by a per-process nonce, so log lines correlate within one run only.
package privacylog
