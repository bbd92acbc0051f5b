package model

// Shared defaults used by the server binary and its packages.
const (
	DefaultPort            = 5000
	DefaultMaxBodyBytes    = 50 << 20
	DefaultMaxDecodedBytes = 256 << 20
	DefaultQueryLimit      = 100
	MaxQueryLimit          = 1000
)
