// Package credentials persists the pairing credentials of one session.
//
// Each session identifier owns one directory under the configured data
// directory:
//
//	<data_dir>/<session_id>/.salt
//	<data_dir>/<session_id>/creds.json.enc
//
// The credential file is JSON encrypted with [crypto.EncryptedKeyStore]. A
// missing directory is not an error: [Store.Load] reports [ErrNotFound] and the
// caller starts a fresh pairing. [Store.Clear] removes the whole directory.
package credentials
