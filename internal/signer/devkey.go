package signer

// DevSeed is a development-only Ed25519 seed embedded in source, exactly
// the kind of placeholder spec.md §9 warns about: "Implementations must
// treat this as a development-only placeholder and require an injection
// path (environment, secret manager) in production." cmd/canaria reads
// CANARIA_SIGNING_SEED (hex-encoded, 32 bytes) first and only falls back
// to this constant when it is unset.
var DevSeed = [32]byte{
	0x9f, 0x1c, 0x3a, 0x52, 0x6e, 0x84, 0x0b, 0x77,
	0x21, 0xd4, 0x5c, 0x99, 0x3f, 0x8a, 0x16, 0x0e,
	0xb2, 0x6f, 0x44, 0xc1, 0xa9, 0x2d, 0x7b, 0x55,
	0x38, 0xe0, 0xf3, 0x24, 0x1a, 0x6c, 0x90, 0xab,
}
