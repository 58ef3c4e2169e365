// Package x3dh implements the X3DH key-agreement used to bootstrap a Double Ratchet
// session between two devices.
//
// # Overview
//
// X3DH lets an initiator derive a shared 32-byte secret with a responder who has
// published a prekey bundle. The bundle contains:
//   - Identity key (X25519) and signing key (Ed25519)
//   - Signed prekey (X25519) and its Ed25519 signature
//   - At most one one-time prekey (X25519)
//
// # Flows
//
// Initiator:
//  1. Verify the signed prekey signature.
//  2. Generate an ephemeral X25519 key pair.
//  3. Compute DH values (IKa·SPKb, EKa·IKb, EKa·SPKb[, EKa·OPKb]).
//  4. HKDF over 0xFF*32 and the concatenated DH outputs to produce the secret.
//  5. Return the secret, the PreKeyMessage and the associated data IKa||IKb.
//
// Responder:
//  1. Receive the PreKeyMessage (initiator IK, ephemeral EK, SPKID[, OPKID]).
//  2. The caller looks up the SPK and consumes the OPK.
//  3. Compute the symmetric DH set (SPKb·IKa, IKb·EKa, SPKb·EKa[, OPKb·EKa]).
//  4. HKDF the same transcript to the identical secret.
//
// # Errors
//
// VerifyBundle returns an error wrapping domain.ErrKeyVerification when the
// SPK signature fails. Other errors wrap lower-level crypto failures.
package x3dh
