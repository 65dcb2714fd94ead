// Package util holds small internal helpers shared by the tool and provider
// packages: struct-to-schema reflection and JSON schema validation.
package util
