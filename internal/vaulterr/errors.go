// Package vaulterr defines the sentinel error kinds used across the vault
// engine. Call sites wrap these with fmt.Errorf("...: %w", ErrX) so that
// errors.Is keeps working after context is added.
package vaulterr

import "errors"

var (
	// ErrTransport means the transport call itself raised an error. It is
	// always fatal for the current operation and must never be interpreted
	// as "not found".
	ErrTransport = errors.New("vault: transport error")

	// ErrNotFound means a locator has no blob, or no assurance exists for
	// the requested IndexID. Retryable by the caller after future writes.
	ErrNotFound = errors.New("vault: not found")

	// ErrDecryption means ciphertext failed to authenticate or decrypt.
	ErrDecryption = errors.New("vault: decryption failed")

	// ErrInvalidFormat means a decoded record failed to parse.
	ErrInvalidFormat = errors.New("vault: invalid format")

	// ErrNotEnoughParity means parity repair could not recover the
	// requested shard. Terminal for the download.
	ErrNotEnoughParity = errors.New("vault: not enough parity to repair")

	// ErrUploadExhausted means every replication slot for an IndexID
	// refused the upload. Terminal for the upload.
	ErrUploadExhausted = errors.New("vault: upload exhausted all replications")

	// ErrInsufficientAssuranceReplication means fewer than the configured
	// default replication count were confirmed for an assurance slot.
	ErrInsufficientAssuranceReplication = errors.New("vault: insufficient assurance replication")

	// ErrMetaEntryOverwrite means a meta push would violate WORM or
	// namespace disjointness.
	ErrMetaEntryOverwrite = errors.New("vault: meta entry would overwrite existing path")

	// ErrInvalidPath means the supplied remote path failed format rules.
	ErrInvalidPath = errors.New("vault: invalid path")
)
