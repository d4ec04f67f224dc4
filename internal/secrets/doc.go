// Package secrets injects named secrets into shell commands and masks their
// values in command output.
package secrets
