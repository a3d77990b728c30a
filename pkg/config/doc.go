// Package config loads the faultline application configuration from CUE
// files. The configuration is checked against a built-in CUE schema before
// decoding, so typos and out-of-range values surface with file positions,
// then struct-level constraints are enforced with validator tags.
package config
