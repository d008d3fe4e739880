// Package artifact contains core.ArtifactStore implementations. Artifacts
// are binary blobs grouped by scope, usually a run id, and are how DocEx
// stars receive documents that are too large to pass as variables.
//
// InMemoryStore suits tests and single process deployments; the s3
// subpackage persists artifacts in an S3 compatible bucket.
package artifact
