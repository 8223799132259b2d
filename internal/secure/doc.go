// Package secure keeps the rotation key out of ordinary Go memory.
//
// The key that authenticates pollers is the one secret the whole protocol
// depends on: anyone holding it can read pending token sets. It is sealed
// into a memguard enclave (XSalsa20Poly1305, mlocked, guard pages) as soon
// as it is resolved and only decrypted for the duration of one comparison
// or one outbound request.
//
//	key, err := secure.NewKey(value)
//	if err != nil {
//	    return err
//	}
//	defer key.Destroy()
//
//	if !key.Equal(r.Header.Get(protocol.KeyHeader)) {
//	    // reject
//	}
//
// If mlock is unavailable memguard degrades to ordinary memory; the enclave
// still keeps the key encrypted at rest. Call memguard.Purge at process exit.
package secure
