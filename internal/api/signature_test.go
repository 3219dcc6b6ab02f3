package api

import "testing"

func TestVerifyHMAC(t *testing.T) {
	body := []byte(`{"entityId":7}`)
	sig := SignHMAC("k", body)
	if !VerifyHMAC("k", body, sig) { t.Fatal("plain hex should verify") }
	if !VerifyHMAC("k", body, "sha256="+sig) { t.Fatal("prefixed hex should verify") }
	if VerifyHMAC("other", body, sig) { t.Fatal("wrong secret verified") }
	if VerifyHMAC("k", []byte(`{"entityId":8}`), sig) { t.Fatal("tampered body verified") }
	if VerifyHMAC("k", body, "zz") { t.Fatal("non-hex verified") }
}
