// Package keys implements the public key cryptography of dispersy members.
//
// Every member owns a secp256k1 key-pair. The public key travels in
// dispersy-identity messages in its 33 byte compressed form, and the SHA-1
// digest of that form is the member id (mid) used on the wire by most
// messages. Signatures are deterministic (RFC6979) and always serialized as 64
// bytes, r then s, so that the signature area of a packet has a fixed size.
package keys
