/*
Package crypto provides the cryptographic primitives for the vault
engine: AES-256-GCM authenticated encryption of the record payload,
AES-KW (RFC 3394) wrapping of the data encryption key, and the password
based derivation of key encryption keys.

Key material handled by this package is raw bytes. Callers are expected
to keep long lived keys inside a `memguard.Enclave` and only hand this
package short lived copies:

	package main

	import (
		"github.com/awnumar/memguard"
		"github.com/notapipeline/tower/pkg/crypto"
	)

	var dekEnclave *memguard.Enclave

	func storeDEK(dek [32]byte) {
		dekEnclave = memguard.NewEnclave(dek[:])
	}

	func decrypt(ct, iv []byte) ([]byte, error) {
		kb, err := dekEnclave.Open()
		if err != nil {
			return nil, err
		}
		defer kb.Destroy()
		return crypto.Decrypt(ct, kb.Bytes(), iv)
	}

The wrap/unwrap pair is deterministic and the unwrap integrity check is
the only password verifier in the multi user format: a wrong password
produces a wrong KEK, and the unwrap fails. There is no separate stored
password hash to attack.
*/
package crypto
