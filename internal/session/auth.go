package session

import (
	"crypto/md5"
	"encoding/binary"
)

// loginHash computes the 16-byte challenge-response value a client must
// present to log in: a fixed-size authenticator over the shared
// password and the per-session seed, matching the spec's Non-goal that
// the protocol authenticates but does not encrypt. The exact byte
// construction isn't specified beyond "hash(password, seed)"; this
// implementation takes MD5 over the password bytes as given, followed
// by the seed's big-endian bytes.
func loginHash(password string, seed uint32) [16]byte {
	h := md5.New()
	h.Write([]byte(password))
	var seedBytes [4]byte
	binary.BigEndian.PutUint32(seedBytes[:], seed)
	h.Write(seedBytes[:])
	var out [16]byte
	copy(out[:], h.Sum(nil))
	return out
}

// rawLoginChallenge computes the raw-UDP LOGIN command's pair of
// values: the hash the client must present (over seed+1) and the hash
// the server answers with (over seed-1), per spec §4.I.
func rawLoginChallenge(password string, seed uint32) (want, reply [16]byte) {
	return loginHash(password, seed+1), loginHash(password, seed-1)
}
