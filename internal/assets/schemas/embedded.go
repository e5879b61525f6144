// Package schemasassets embeds the JSON schemas the binary validates
// against, so spec validation works from any working directory and in
// installed copies with no schema files on disk.
package schemasassets

import _ "embed"

// JobManifestSchema is the job spec schema enforced before submission.
//
//go:embed job-manifest.schema.json
var JobManifestSchema []byte
