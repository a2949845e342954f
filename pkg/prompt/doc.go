// Package prompt isolates operator confirmation behind a single interface so
// coordinators run identically attended and unattended.
package prompt
