package kiwi

// Version is the kernel's semantic version, bumped on wire-protocol or
// manifest-schema changes.
const Version = "0.1.0"
