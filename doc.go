// Package zarr reads and writes Zarr v2 arrays and groups: chunked,
// compressed N-dimensional arrays addressed through a pluggable
// PathStore (local filesystem, memory, or cloud object storage).
package zarr
