package types

// Version is the canonical project version.
// The CLI and the info RPC report it unless the config's meta.version
// overrides the advertised value.
const Version = "2.0.0"
