package hypermerge

import "errors"

// Error kinds surfaced by the replication engine, per spec.md §7.
var (
	// ErrNotReady is returned when a public operation is called before the
	// registry has finished its initial enumeration of on-disk logs.
	ErrNotReady = errors.New("hypermerge: orchestrator not ready")

	// ErrNotOpened is returned when find/change/merge reference a DocID with
	// no cached document.
	ErrNotOpened = errors.New("hypermerge: document not opened")

	// ErrMetadataNonEmpty is returned by appendMetadata when the target log
	// already has blocks.
	ErrMetadataNonEmpty = errors.New("hypermerge: log already has blocks, refusing to write metadata")

	// ErrCorruptMetadata is recorded when block 0 fails to parse or is
	// missing required fields. The affected log is excluded from every doc.
	ErrCorruptMetadata = errors.New("hypermerge: corrupt metadata record")

	// ErrTransport wraps failures from the underlying log/swarm transport.
	ErrTransport = errors.New("hypermerge: transport error")
)
