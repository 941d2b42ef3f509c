// Package paths defines the deterministic object store layout for job inputs
// and artifacts.
//
// Every key is derived from the owner id and job id alone, so a re-delivered
// queue message regenerates exactly the same paths. Synthesis output lives
// under a strictly job-scoped prefix; artifact discovery never has to scan
// keys belonging to another job.
package paths

import (
	"fmt"
	"strings"
)

// Layout of a job's keyspace:
//
//	users/{owner}/jobs/{job}/input/{name}
//	users/{owner}/jobs/{job}/transcript.md
//	users/{owner}/jobs/{job}/converted.md
//	users/{owner}/jobs/{job}/images/{name}
//	users/{owner}/jobs/{job}/synthesis/part-000.mp3 ...
//	users/{owner}/jobs/{job}/synthesis/final/part-000.mp3 ...
//	users/{owner}/jobs/{job}/status.json

// JobRoot returns the prefix that scopes every key a job may touch.
func JobRoot(ownerID, jobID string) string {
	return fmt.Sprintf("users/%s/jobs/%s", clean(ownerID), clean(jobID))
}

// Input returns the key of an uploaded input object.
func Input(ownerID, jobID, name string) string {
	return JobRoot(ownerID, jobID) + "/input/" + clean(name)
}

// TranscriptMarkdown returns the key of the merged transcription artifact.
func TranscriptMarkdown(ownerID, jobID string) string {
	return JobRoot(ownerID, jobID) + "/transcript.md"
}

// ConvertedMarkdown returns the key of the merged PDF conversion artifact.
func ConvertedMarkdown(ownerID, jobID string) string {
	return JobRoot(ownerID, jobID) + "/converted.md"
}

// ConvertedImage returns the key of an extracted image referenced by the
// converted markdown.
func ConvertedImage(ownerID, jobID, name string) string {
	return JobRoot(ownerID, jobID) + "/images/" + clean(name)
}

// SynthesisPrefix returns the prefix the external synthesis service writes
// audio parts under. The service may split output into any number of parts.
func SynthesisPrefix(ownerID, jobID string) string {
	return JobRoot(ownerID, jobID) + "/synthesis/"
}

// SynthesisPart returns the requested key for synthesized audio part n.
func SynthesisPart(ownerID, jobID string, n int) string {
	return fmt.Sprintf("%spart-%03d.mp3", SynthesisPrefix(ownerID, jobID), n)
}

// SynthesisFinalPrefix returns the durable location preserved parts are
// copied to. Kept separate from the service-written prefix so a poll tick can
// tell preserved parts from freshly discovered ones.
func SynthesisFinalPrefix(ownerID, jobID string) string {
	return SynthesisPrefix(ownerID, jobID) + "final/"
}

// SynthesisFinal maps a discovered part key to its durable key.
func SynthesisFinal(ownerID, jobID, partKey string) string {
	base := partKey
	if i := strings.LastIndex(partKey, "/"); i >= 0 {
		base = partKey[i+1:]
	}
	return SynthesisFinalPrefix(ownerID, jobID) + base
}

// StatusDocument returns the key of the job status document read by the UI.
func StatusDocument(ownerID, jobID string) string {
	return JobRoot(ownerID, jobID) + "/status.json"
}

// SynthesisPartPattern is the doublestar pattern a synthesis part key must
// match, relative to the synthesis prefix.
const SynthesisPartPattern = "part-*.mp3"

// clean strips characters that would break out of the keyspace.
func clean(segment string) string {
	segment = strings.TrimSpace(segment)
	segment = strings.ReplaceAll(segment, "/", "_")
	segment = strings.ReplaceAll(segment, "..", "_")
	return segment
}
