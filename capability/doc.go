// Package capability is the contract between scripting adapters and the
// runtime. An adapter embeds one VM instance, declares how that VM can wait
// on native work and receives a Binding through which it exposes
// invoke_async, hook registration, event emission and current_context to its
// scripts.
package capability
