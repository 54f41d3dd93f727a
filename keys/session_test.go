package keys

import (
	"bytes"
	"testing"
)

func TestDeriveSessionKeysRoundTrip(t *testing.T) {
	client := NewPrivateKey()
	server := NewPrivateKey()

	clientSecret, err := client.SharedSecret(server.PublicKey())
	if err != nil {
		t.Fatal(err)
	}
	serverSecret, err := server.SharedSecret(client.PublicKey())
	if err != nil {
		t.Fatal(err)
	}

	clientKeys, err := DeriveSessionKeys(clientSecret, true)
	if err != nil {
		t.Fatal(err)
	}
	serverKeys, err := DeriveSessionKeys(serverSecret, false)
	if err != nil {
		t.Fatal(err)
	}

	msg := []byte("hello tunnel")
	nonce := make([]byte, clientKeys.Send.NonceSize())

	sealed := clientKeys.Send.Seal(nil, nonce, msg, nil)
	opened, err := serverKeys.Recv.Open(nil, nonce, sealed, nil)
	if err != nil {
		t.Fatalf("server failed to open client frame: %v", err)
	}
	if !bytes.Equal(opened, msg) {
		t.Fatalf("got %q expected %q", opened, msg)
	}

	// directions must not share a key
	if _, err := clientKeys.Recv.Open(nil, nonce, sealed, nil); err == nil {
		t.Fatal("client recv cipher opened its own send frame")
	}
}

func TestDeriveGenerationKeysRotate(t *testing.T) {
	psk, err := ParsePresharedKey("AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA=")
	if err != nil {
		t.Fatal(err)
	}
	secret := psk.Secret()

	initID := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	ackID := []byte{9, 10, 11, 12, 13, 14, 15, 16}

	gen1Client, err := DeriveGenerationKeys(secret, initID, ackID, true)
	if err != nil {
		t.Fatal(err)
	}
	gen1Server, err := DeriveGenerationKeys(secret, initID, ackID, false)
	if err != nil {
		t.Fatal(err)
	}

	msg := []byte("one generation only")
	nonce := make([]byte, gen1Client.Send.NonceSize())
	sealed := gen1Client.Send.Seal(nil, nonce, msg, nil)

	opened, err := gen1Server.Recv.Open(nil, nonce, sealed, nil)
	if err != nil {
		t.Fatalf("same-generation open failed: %v", err)
	}
	if !bytes.Equal(opened, msg) {
		t.Fatalf("got %q expected %q", opened, msg)
	}

	// a new ack id means new keys: frames from the old generation must
	// not authenticate under them
	gen2Server, err := DeriveGenerationKeys(secret, initID, []byte{9, 10, 11, 12, 13, 14, 15, 17}, false)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := gen2Server.Recv.Open(nil, nonce, sealed, nil); err == nil {
		t.Fatal("old-generation frame opened under rotated keys")
	}

	// and the static handshake ciphers are a separate key space entirely
	hsServer, err := DeriveSessionKeys(secret, false)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := hsServer.Recv.Open(nil, nonce, sealed, nil); err == nil {
		t.Fatal("data frame opened under handshake keys")
	}
}

func TestDeriveSessionKeysFromPreshared(t *testing.T) {
	psk, err := ParsePresharedKey("AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA=")
	if err != nil {
		t.Fatal(err)
	}

	a, err := DeriveSessionKeys(psk.Secret(), true)
	if err != nil {
		t.Fatal(err)
	}
	b, err := DeriveSessionKeys(psk.Secret(), false)
	if err != nil {
		t.Fatal(err)
	}

	msg := []byte{1, 2, 3, 4}
	nonce := make([]byte, a.Send.NonceSize())
	sealed := a.Send.Seal(nil, nonce, msg, nil)
	opened, err := b.Recv.Open(nil, nonce, sealed, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(opened, msg) {
		t.Fatalf("got %v expected %v", opened, msg)
	}
}
