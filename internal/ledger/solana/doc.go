// Package solana contains the minimal Solana wire model the node needs to
// build, sign and serialize transactions: public keys, instructions, legacy
// messages, program derived addresses and the instruction encoders for the
// system, token, associated-token, stake and memo programs.
package solana
