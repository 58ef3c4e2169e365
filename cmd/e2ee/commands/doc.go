// Package commands defines the e2ee CLI and wires dependencies for subcommands.
//
// Commands
//
//   - init           Create the vault, identity and pre-keys, then publish
//   - status         Show key material and session health
//   - publish        Republish the pre-key bundle
//   - join           Join a conversation on the relay
//   - send           Encrypt a message for every device of a conversation
//   - recv           Fetch and decrypt queued messages
//   - run            Keep pre-keys fresh and poll for messages
//   - safety-number  Print the safety number shared with a peer
//   - verify         Compare a scanned safety number and mark the peer verified
//   - recovery       Generate or redeem a recovery code
//   - rotate         Rotate the signed pre-key now
//   - reset-session  Drop the session with a peer
//   - audit          Query the audit log
//   - passwd         Change the vault password
//
// # Implementation
//
// The root command loads config.yaml from --home, applies flag overrides and
// builds the app before any subcommand runs. Commands that touch private key
// material unlock the vault first, with the password from --password,
// E2EE_PASSWORD or a prompt on stdin.
package commands
