// Package crypto holds the key material primitives pairlink needs to keep a
// paired device identity on disk.
//
// The package covers three concerns:
//
//   - Curve25519 device key pairs ([GenerateKeyPair], [FromSecretKey]) used as
//     the static key of the transport's Noise handshake.
//   - Encryption at rest ([EncryptedKeyStore]): AES-256-GCM files under a
//     PBKDF2-derived key, written atomically.
//   - Hygiene helpers ([SecureWipe], [ZeroBytes], [SecureFieldHash]) so secret
//     bytes are cleared after use and never logged in full.
//
// Example:
//
//	ks, err := crypto.NewEncryptedKeyStore(dir, []byte(passphrase))
//	if err != nil {
//	    return err
//	}
//	defer ks.Close()
//	if err := ks.WriteEncrypted("creds.json.enc", payload); err != nil {
//	    return err
//	}
package crypto
