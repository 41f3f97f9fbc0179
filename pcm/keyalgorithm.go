package pcm

// KeyAlgorithm derives the unlock key from a 16-bit seed for a given
// vehicle-family algorithm id. It is a pure function supplied by the
// caller; the core never embeds key-derivation logic, the same way the
// teacher's ebm.Conn takes a HandleChallenge callback instead of
// knowing the Metanoia challenge/response math itself.
type KeyAlgorithm func(algorithmID uint16, seed uint16) uint16
