package core

// Version is the explorer build version, reported to clusters in the
// user agent. Wire injects it as its own type rather than a string.
type Version string
