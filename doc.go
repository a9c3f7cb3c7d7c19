// Package mosaicd holds the shared vocabulary of the streaming mosaic
// orchestrator: the persisted row types and lifecycle enums, the error-code
// taxonomy, retry classification, the bounded TaskRunner, file I/O, and the
// capability interfaces behind which the CASA-side numerics live. The
// subpackages (store, registry, catalog, group, stage, organizer,
// orchestrator) build on these; cmd/mosaicd wires them into the daemon.
package mosaicd
