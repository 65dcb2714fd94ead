// Package workflow chains bridged operations into sequential multi-step
// runs. Each step is one bridge round-trip; a failing step halts the run at
// the boundary chosen by its policy: stop, skip-and-continue or bounded
// retry with exponential backoff.
package workflow
